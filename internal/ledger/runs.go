package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run is one row of the runs table.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	InputPath  string
	OutputName string
	Total      int
	Succeeded  int
	Failed     int
	Status     RunStatus
}

// Counts are the final tallies stored by FinishRun.
type Counts struct {
	Total     int
	Succeeded int
	Failed    int
}

const runColumns = "id, started_at, finished_at, input_path, output_name, total, succeeded, failed, status"

// StartRun inserts a running row for runID.
func (s *Store) StartRun(ctx context.Context, runID, inputPath, outputName string, total int) error {
	if runID == "" {
		return errors.New("run id required")
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO runs (id, started_at, input_path, output_name, total, status)
         VALUES (?, ?, ?, ?, ?, ?)`,
		runID,
		formatTime(time.Now()),
		nullableString(inputPath),
		nullableString(outputName),
		total,
		RunRunning,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun stamps the run with its final status and counts.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, counts Counts) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, total = ?, succeeded = ?, failed = ? WHERE id = ?`,
		formatTime(time.Now()),
		status,
		counts.Total,
		counts.Succeeded,
		counts.Failed,
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: unknown run %q", runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first. A non-positive limit
// returns all runs.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun fetches a run by id; ok is false when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("get run: %w", err)
	}
	return run, true, nil
}

func (s *Store) latestRunID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run         Run
		startedRaw  string
		finishedRaw sql.NullString
		inputPath   sql.NullString
		outputName  sql.NullString
		status      string
	)
	if err := scanner.Scan(
		&run.ID,
		&startedRaw,
		&finishedRaw,
		&inputPath,
		&outputName,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&status,
	); err != nil {
		return Run{}, err
	}
	run.InputPath = inputPath.String
	run.OutputName = outputName.String
	run.Status = RunStatus(status)
	if started, err := parseTimeString(startedRaw); err == nil {
		run.StartedAt = started
	}
	if finished, err := parseTimeString(finishedRaw.String); err == nil {
		run.FinishedAt = finished
	}
	return run, nil
}

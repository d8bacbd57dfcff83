package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"groundset/internal/workitem"
)

// ItemRecord is one row of the items table.
type ItemRecord struct {
	RunID     string
	Key       string
	Index     int
	Status    workitem.Status
	Attempts  int
	Error     string
	Item      json.RawMessage
	UpdatedAt time.Time
}

// RecordBatch upserts the outcome of each result under runID in a single
// transaction. A key recorded twice keeps the latest outcome.
func (s *Store) RecordBatch(ctx context.Context, runID string, results []workitem.Result) error {
	if runID == "" {
		return errors.New("run id required")
	}
	if len(results) == 0 {
		return nil
	}
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		return s.recordBatchTx(ctx, runID, results)
	})
}

func (s *Store) recordBatchTx(ctx context.Context, runID string, results []workitem.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (run_id, item_key, item_index, status, attempts, error, item_json, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(run_id, item_key) DO UPDATE SET
             item_index = excluded.item_index,
             status = excluded.status,
             attempts = excluded.attempts,
             error = excluded.error,
             item_json = excluded.item_json,
             updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare record: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, result := range results {
		var itemJSON any
		if !result.OK() && len(result.Item) > 0 {
			itemJSON = string(result.Item)
		}
		if _, err := stmt.ExecContext(ctx,
			runID,
			result.Key,
			result.Index,
			result.Status,
			result.Attempts,
			nullableString(result.Err),
			itemJSON,
			now,
		); err != nil {
			return fmt.Errorf("record item %q: %w", result.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}
	return nil
}

// Failures returns the failed items of runID ordered by input index. An
// empty runID selects the most recent run.
func (s *Store) Failures(ctx context.Context, runID string) ([]ItemRecord, error) {
	ctx = ensureContext(ctx)
	if runID == "" {
		latest, err := s.latestRunID(ctx)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, nil
		}
		runID = latest
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_key, item_index, status, attempts, error, item_json, updated_at
         FROM items WHERE run_id = ? AND status = ? ORDER BY item_index, item_key`,
		runID, workitem.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var records []ItemRecord
	for rows.Next() {
		record, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return records, nil
}

// CountByStatus tallies the recorded items of runID.
func (s *Store) CountByStatus(ctx context.Context, runID string) (map[workitem.Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT status, COUNT(1) FROM items WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[workitem.Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[workitem.Status(status)] = count
	}
	return counts, rows.Err()
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (ItemRecord, error) {
	var (
		record     ItemRecord
		status     string
		errText    sql.NullString
		itemJSON   sql.NullString
		updatedRaw string
	)
	if err := scanner.Scan(
		&record.RunID,
		&record.Key,
		&record.Index,
		&status,
		&record.Attempts,
		&errText,
		&itemJSON,
		&updatedRaw,
	); err != nil {
		return ItemRecord{}, err
	}
	record.Status = workitem.Status(status)
	record.Error = errText.String
	if itemJSON.Valid {
		record.Item = json.RawMessage(itemJSON.String)
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

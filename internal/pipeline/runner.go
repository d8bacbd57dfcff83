package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"groundset/internal/batch"
	"groundset/internal/checkpoint"
	"groundset/internal/config"
	"groundset/internal/executor"
	"groundset/internal/ledger"
	"groundset/internal/logging"
	"groundset/internal/payload"
	"groundset/internal/preflight"
	"groundset/internal/resume"
	"groundset/internal/services"
	"groundset/internal/workitem"
)

// ErrSetup marks failures that stop a run before any batch is processed.
var ErrSetup = errors.New("pipeline setup failed")

// Summary reports the outcome of a run. Succeeded and Failed count the whole
// output, including results carried over from a resumed checkpoint.
type Summary struct {
	RunID     string
	Total     int
	Succeeded int
	Failed    int
	// Skipped counts items not attempted because an earlier run finished them.
	Skipped     int
	Processed   int
	Batches     int
	Resumed     bool
	ResumedFrom int
	// AlreadyComplete is set when the output was final before this run started.
	AlreadyComplete bool
	Output          string
	Records         string
	Failures        string
	Duration        time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLedger records into store instead of opening the configured ledger.
// The caller keeps ownership of store.
func WithLedger(store *ledger.Store) Option {
	return func(r *Runner) {
		r.ledger = store
	}
}

// WithCache shares a payload cache with the worker so committed batches
// release their entries.
func WithCache(cache *payload.Cache) Option {
	return func(r *Runner) {
		r.cache = cache
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// Runner executes one pipeline configuration.
type Runner struct {
	cfg    *config.Config
	worker executor.Worker
	logger *slog.Logger
	ledger *ledger.Store
	cache  *payload.Cache
	runID  string
}

// New constructs a Runner for cfg that processes items with worker.
func New(cfg *config.Config, worker executor.Worker, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		worker: worker,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func setupError(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSetup, operation, err)
}

// Run processes every pending item and returns the run summary. Item
// failures are reported in the summary; the returned error is non-nil only
// for setup failures, checkpoint write failures, and cancellation.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	runID := r.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	summary := Summary{RunID: runID}
	ctx = services.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(r.logger, "pipeline"))

	if r.cfg == nil {
		return summary, setupError("config", errors.New("config is nil"))
	}
	if r.worker == nil {
		return summary, setupError("worker", errors.New("worker is nil"))
	}
	cfg := r.cfg
	if err := cfg.Validate(); err != nil {
		return summary, setupError("validate config", err)
	}

	outDir := cfg.Pipeline.OutputDir
	name := cfg.Pipeline.OutputName
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return summary, setupError("create output directory", err)
	}
	if err := preflight.FirstFailure(preflight.RunAll(ctx, cfg, false)); err != nil {
		return summary, setupError("preflight", err)
	}

	lock := flock.New(filepath.Join(outDir, "."+name+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return summary, setupError("acquire run lock", err)
	}
	if !locked {
		return summary, setupError("acquire run lock", fmt.Errorf("another run is writing %s in %s", name, outDir))
	}
	defer func() { _ = lock.Unlock() }()

	items, err := workitem.Load(cfg.Pipeline.InputPath, cfg.Pipeline.IDField)
	if err != nil {
		return summary, setupError("load input", err)
	}
	summary.Total = len(items)

	store := r.ledger
	if store == nil && cfg.Ledger.Enabled {
		store, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return summary, setupError("open ledger", err)
		}
		defer store.Close()
	}

	recordFailures := cfg.RecordFailures()
	state := resume.Controller{
		Dir:         outDir,
		Name:        name,
		BatchSize:   cfg.Pipeline.BatchSize,
		RetryFailed: cfg.Pipeline.RetryFailedOnResume,
		Logger:      r.logger,
	}.Resume()
	summary.Resumed = state.Resumed()
	summary.ResumedFrom = state.NextOffset

	work := buildPlan(items, state, cfg.Pipeline.BatchSize, recordFailures)
	acc := newAccumulator(recordFailures, state.Results, state.Failures)
	summary.Skipped = work.skipped

	writer := checkpoint.NewWriter(outDir, name, cfg.Pipeline.KeepPartials, r.logger)
	if r.cache != nil {
		cache := r.cache
		writer.OnCommit(func(_ int, keys []string) { cache.Release(keys) })
	}
	summary.Failures = writer.FailuresPath()
	summary.Output = filepath.Join(outDir, checkpoint.FullName(name))
	summary.Records = filepath.Join(outDir, checkpoint.OutputName(name))

	if state.Completed && len(work.batches) == 0 {
		summary.AlreadyComplete = true
		summary.Succeeded = len(acc.succeeded)
		summary.Failed = acc.failedCount()
		summary.Duration = time.Since(started)
		logger.Info("output already complete; nothing to do",
			logging.String(logging.FieldEventType, "run_complete"),
			logging.String("output", summary.Output),
			logging.Int("succeeded", summary.Succeeded),
			logging.Int("failed", summary.Failed),
		)
		return summary, nil
	}

	if store != nil {
		if err := store.StartRun(ctx, runID, cfg.Pipeline.InputPath, name, len(items)); err != nil {
			return summary, setupError("record run start", err)
		}
		if carried := acc.failures(); len(carried) > 0 {
			r.recordLedger(ctx, logger, store, carried)
		}
	}

	logger.Info("run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("input", cfg.Pipeline.InputPath),
		logging.String("output_dir", outDir),
		logging.Int("items", len(items)),
		logging.Int("pending", work.itemCount()),
		logging.Int("batches", len(work.batches)),
		logging.Int("batch_size", cfg.Pipeline.BatchSize),
		logging.Int("max_workers", cfg.Pipeline.MaxWorkers),
		logging.Bool("resumed", summary.Resumed),
		logging.Int("resume_offset", state.NextOffset),
		logging.Int("requeued_gap", work.gap),
		logging.Int("requeued_failures", work.retry),
	)

	progress := batch.NewProgress(work.itemCount(), cfg.Pipeline.BatchSize, 0)
	execOpts := executor.Options{
		MaxWorkers:  cfg.Pipeline.MaxWorkers,
		ItemTimeout: cfg.ItemTimeout(),
		Logger:      r.logger,
	}

	finish := func(status ledger.RunStatus) {
		summary.Succeeded = len(acc.succeeded)
		summary.Failed = acc.failedCount()
		summary.Duration = time.Since(started)
		if store == nil {
			return
		}
		counts := ledger.Counts{Total: summary.Total, Succeeded: summary.Succeeded, Failed: summary.Failed}
		// the run context may already be cancelled
		if err := store.FinishRun(context.WithoutCancel(ctx), runID, status, counts); err != nil {
			logging.WarnWithContext(logger, "ledger update failed", "ledger_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "run history is incomplete; checkpoints are unaffected"),
			)
		}
	}

	if len(work.batches) == 0 {
		// everything was done but the final checkpoint is missing
		if err := r.finalize(writer, acc, state.NextOffset, len(items), nil, &summary); err != nil {
			finish(ledger.RunFailed)
			return summary, err
		}
		finish(ledger.RunCompleted)
		r.logComplete(logger, summary)
		return summary, nil
	}

	for i, b := range work.batches {
		if err := ctx.Err(); err != nil {
			finish(ledger.RunCancelled)
			r.logCancelled(logger, summary, err)
			return summary, err
		}

		batchCtx := services.WithBatchOffset(ctx, b.Offset)
		batchStarted := time.Now()
		results := executor.Run(batchCtx, b.Items, r.worker, execOpts)
		if err := ctx.Err(); err != nil {
			// results of an interrupted batch are never committed
			finish(ledger.RunCancelled)
			r.logCancelled(logger, summary, err)
			return summary, err
		}

		succeeded, failed := 0, 0
		for _, result := range results {
			acc.add(result)
			if result.OK() {
				succeeded++
			} else {
				failed++
			}
		}
		summary.Processed += len(results)
		summary.Batches++

		final := i == len(work.batches)-1
		keys := workitem.Keys(b.Items)
		if final {
			if err := r.finalize(writer, acc, b.Offset, len(items), keys, &summary); err != nil {
				finish(ledger.RunFailed)
				return summary, err
			}
		} else if err := r.commit(writer, acc, b.Offset, b.covered, keys); err != nil {
			finish(ledger.RunFailed)
			return summary, err
		}
		if store != nil {
			r.recordLedger(ctx, logger, store, results)
		}

		progress.Advance(len(b.Items))
		logging.WithContext(batchCtx, logging.NewComponentLogger(r.logger, "pipeline")).Info("batch complete",
			logging.String(logging.FieldEventType, "batch_complete"),
			logging.Int("batch", progress.CompletedBatches),
			logging.Int("of", progress.TotalBatches),
			logging.Int("items", len(results)),
			logging.Int("succeeded", succeeded),
			logging.Int("failed", failed),
			logging.Bool("final", final),
			logging.String("progress", fmt.Sprintf("%.1f%%", progress.Percent())),
			logging.Duration("elapsed", time.Since(batchStarted)),
		)
	}

	finish(ledger.RunCompleted)
	r.logComplete(logger, summary)
	return summary, nil
}

// commit persists the failure log and then a partial checkpoint. The failure
// log goes first so a resumed run never sees a checkpoint whose failures
// were not logged.
func (r *Runner) commit(writer *checkpoint.Writer, acc *accumulator, offset, covered int, keys []string) error {
	if acc.recordFailures {
		if _, err := writer.WriteFailures(acc.failures()); err != nil {
			return err
		}
	}
	if _, err := writer.Write(checkpoint.Checkpoint{Offset: offset, Covered: covered, Results: acc.successes(), BatchKeys: keys}); err != nil {
		return err
	}
	return nil
}

// finalize writes the failure log, the full checkpoint, and the plain
// output records. The full checkpoint records the input length it covers so
// a later run over a grown input processes only the new items.
func (r *Runner) finalize(writer *checkpoint.Writer, acc *accumulator, offset, inputLen int, keys []string, summary *Summary) error {
	if acc.recordFailures {
		if _, err := writer.WriteFailures(acc.failures()); err != nil {
			return err
		}
	}
	successes := acc.successes()
	path, err := writer.Write(checkpoint.Checkpoint{Offset: offset, Covered: inputLen, Final: true, Results: successes, BatchKeys: keys})
	if err != nil {
		return err
	}
	summary.Output = path
	records, err := writer.ExportOutputs(successes)
	if err != nil {
		return err
	}
	summary.Records = records
	return nil
}

func (r *Runner) recordLedger(ctx context.Context, logger *slog.Logger, store *ledger.Store, results []workitem.Result) {
	if err := store.RecordBatch(context.WithoutCancel(ctx), summaryRunID(ctx), results); err != nil {
		logging.WarnWithContext(logger, "ledger update failed", "ledger_error",
			logging.Error(err),
			logging.Int("results", len(results)),
			logging.String(logging.FieldImpact, "run history is incomplete; checkpoints are unaffected"),
		)
	}
}

func summaryRunID(ctx context.Context) string {
	id, _ := services.RunIDFromContext(ctx)
	return id
}

func (r *Runner) logComplete(logger *slog.Logger, summary Summary) {
	logger.Info("run complete",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("total", summary.Total),
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("failed", summary.Failed),
		logging.Int("skipped", summary.Skipped),
		logging.Int("processed", summary.Processed),
		logging.Int("batches", summary.Batches),
		logging.String("output", summary.Output),
		logging.Duration("duration", summary.Duration),
	)
}

func (r *Runner) logCancelled(logger *slog.Logger, summary Summary, err error) {
	logging.WarnWithContext(logger, "run interrupted", "run_cancelled",
		logging.Error(err),
		logging.Int("batches", summary.Batches),
		logging.Int("processed", summary.Processed),
		logging.String(logging.FieldImpact, "the in-flight batch was discarded"),
		logging.String(logging.FieldErrorHint, "run again with the same output to resume from the last checkpoint"),
	)
}

// Package executor runs a worker over one batch of items with bounded
// concurrency, turning every outcome into exactly one result.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"groundset/internal/logging"
	"groundset/internal/retry"
	"groundset/internal/services"
	"groundset/internal/workitem"
)

// Worker transforms one item into its output record.
type Worker interface {
	Process(ctx context.Context, item workitem.Item) (json.RawMessage, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, item workitem.Item) (json.RawMessage, error)

// Process calls f.
func (f WorkerFunc) Process(ctx context.Context, item workitem.Item) (json.RawMessage, error) {
	return f(ctx, item)
}

// Options tunes a Run.
type Options struct {
	// MaxWorkers bounds in-flight items. Values below one mean one.
	MaxWorkers int
	// ItemTimeout bounds each item's processing when positive.
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Run processes items concurrently and returns one result per item, in
// submission order. Worker errors and panics become failed results and never
// cancel sibling items.
func Run(ctx context.Context, items []workitem.Item, worker Worker, opts Options) []workitem.Result {
	results := make([]workitem.Result, len(items))
	if len(items) == 0 {
		return results
	}
	limit := opts.MaxWorkers
	if limit < 1 {
		limit = 1
	}
	logger := logging.NewComponentLogger(opts.Logger, "executor")

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			results[i] = runOne(ctx, item, worker, opts.ItemTimeout, logger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runOne(ctx context.Context, item workitem.Item, worker Worker, timeout time.Duration, logger *slog.Logger) (result workitem.Result) {
	itemCtx := services.WithItemKey(ctx, item.Key)
	itemCtx, counter := retry.WithCounter(itemCtx)
	if timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(itemCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logging.WithContext(itemCtx, logger), "worker panicked", "item_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldErrorHint, "the item is recorded as failed; inspect the worker for a bug"),
			)
			result = workitem.Failed(item, fmt.Errorf("worker panic: %v", r), attemptsMade(counter, nil))
		}
	}()

	output, err := worker.Process(itemCtx, item)
	attempts := attemptsMade(counter, err)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(itemCtx, logger), "item failed", "item_failed",
			logging.Int("index", item.Index),
			logging.Int("attempts", attempts),
			logging.Error(err),
			logging.String(logging.FieldImpact, "item recorded as failed"),
			logging.String(logging.FieldErrorHint, "rerun with --retry-failed or reprocess from the failure log"),
		)
		return workitem.Failed(item, err, attempts)
	}
	if !json.Valid(output) {
		return workitem.Failed(item, fmt.Errorf("worker returned invalid JSON output"), attempts)
	}
	return workitem.Succeeded(item, output, attempts)
}

// AttemptsFrom extracts the attempt count carried by a retry exhaustion error,
// defaulting to one.
func AttemptsFrom(err error) int {
	if attempts, ok := retry.AttemptsOf(err); ok && attempts > 0 {
		return attempts
	}
	return 1
}

func attemptsMade(counter *retry.Counter, err error) int {
	if n := counter.Attempts(); n > 0 {
		return n
	}
	return AttemptsFrom(err)
}

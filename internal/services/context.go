package services

import "context"

type contextKey string

const (
	runIDKey       contextKey = "run_id"
	batchOffsetKey contextKey = "batch_offset"
	itemKeyKey     contextKey = "item_key"
	attemptKey     contextKey = "attempt"
)

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithBatchOffset annotates context with the start offset of the batch being processed.
func WithBatchOffset(ctx context.Context, offset int) context.Context {
	return context.WithValue(ctx, batchOffsetKey, offset)
}

// BatchOffsetFromContext extracts the batch offset if present.
func BatchOffsetFromContext(ctx context.Context) (int, bool) {
	switch val := ctx.Value(batchOffsetKey).(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	default:
		return 0, false
	}
}

// WithItemKey annotates context with the work item key.
func WithItemKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, itemKeyKey, key)
}

// ItemKeyFromContext returns the work item key if present.
func ItemKeyFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(itemKeyKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithAttempt annotates context with the 1-based attempt number of a retried call.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	if attempt <= 0 {
		return ctx
	}
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext returns the attempt number if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	if v, ok := ctx.Value(attemptKey).(int); ok && v > 0 {
		return v, true
	}
	return 0, false
}

package retry

import (
	"context"
	"sync/atomic"
)

type counterKey struct{}

// Counter tallies attempts made by Call for one unit of work.
type Counter struct {
	attempts atomic.Int64
}

// Attempts returns the number of attempts recorded so far.
func (c *Counter) Attempts() int {
	if c == nil {
		return 0
	}
	return int(c.attempts.Load())
}

// WithCounter attaches a fresh Counter to ctx. Every Call made with the
// returned context, or one derived from it, adds its attempts to the counter.
func WithCounter(ctx context.Context) (context.Context, *Counter) {
	counter := &Counter{}
	return context.WithValue(ctx, counterKey{}, counter), counter
}

func counterFrom(ctx context.Context) *Counter {
	counter, _ := ctx.Value(counterKey{}).(*Counter)
	return counter
}

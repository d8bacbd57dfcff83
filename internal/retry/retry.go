package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"groundset/internal/logging"
	"groundset/internal/services"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	// MaxDelay caps every computed or server-hinted delay. Zero means no cap.
	MaxDelay time.Duration
}

// Client executes operations under a Policy.
type Client struct {
	policy    Policy
	retryable func(error) bool
	sleeper   func(time.Duration)
	logger    *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithRetryable installs a classifier. Errors for which it returns false are
// permanent and returned immediately. The default retries every error.
func WithRetryable(fn func(error) bool) Option {
	return func(c *Client) {
		c.retryable = fn
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New constructs a Client. MaxAttempts below one is treated as one.
func New(policy Policy, opts ...Option) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	if policy.Backoff == "" {
		policy.Backoff = BackoffFixed
	}
	client := &Client{policy: policy}
	for _, opt := range opts {
		opt(client)
	}
	if client.logger == nil {
		client.logger = logging.NewNop()
	}
	client.logger = logging.NewComponentLogger(client.logger, "retry")
	return client
}

// Policy returns the effective policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is cancelled.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the value-returning form of Client.Do.
func Call[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ctx == nil {
		return zero, errors.New("retry: nil context")
	}
	maxAttempts := c.policy.MaxAttempts
	counter := counterFrom(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if counter != nil {
			counter.attempts.Add(1)
		}
		value, err := fn(services.WithAttempt(ctx, attempt))
		if err == nil {
			return value, nil
		}
		lastErr = err
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return zero, err
		}
		if c.retryable != nil && !c.retryable(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := c.delayFor(err, attempt)
		logging.WarnWithContext(logging.WithContext(ctx, c.logger), "remote call failed; retrying", "retry",
			logging.String("op", op),
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", maxAttempts),
			logging.Duration("delay", delay),
			logging.Error(err),
			logging.String(logging.FieldImpact, "item delayed by backoff"),
			logging.String(logging.FieldErrorHint, "persistent failures exhaust the retry budget and fail the item"),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Op: op, Attempts: maxAttempts, Err: lastErr}
}

// Delay returns the backoff delay after the given 1-based failed attempt,
// ignoring any server hint.
func (c *Client) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.policy.Delay
	if base <= 0 {
		return 0
	}
	var delay time.Duration
	switch c.policy.Backoff {
	case BackoffLinear:
		delay = base * time.Duration(attempt)
	case BackoffExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			if c.policy.MaxDelay > 0 && delay >= c.policy.MaxDelay {
				break
			}
			delay *= 2
		}
	default:
		delay = base
	}
	return c.capDelay(delay)
}

func (c *Client) delayFor(err error, attempt int) time.Duration {
	if hint, ok := retryAfterHint(err); ok {
		return c.capDelay(hint)
	}
	return c.Delay(attempt)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
		return c.policy.MaxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package retry_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"groundset/internal/retry"
	"groundset/internal/services"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(d time.Duration) {
	s.delays = append(s.delays, d)
}

func newClient(policy retry.Policy, opts ...retry.Option) (*retry.Client, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	opts = append([]retry.Option{retry.WithSleeper(sleeper.sleep)}, opts...)
	return retry.New(policy, opts...), sleeper
}

func TestCallSucceedsAfterTransientFailures(t *testing.T) {
	const maxAttempts = 5
	for k := 0; k < maxAttempts; k++ {
		client, _ := newClient(retry.Policy{MaxAttempts: maxAttempts, Delay: time.Second})
		calls := 0
		got, err := retry.Call(context.Background(), client, "flaky", func(context.Context) (string, error) {
			calls++
			if calls <= k {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("k=%d: unexpected error %v", k, err)
		}
		if got != "ok" {
			t.Fatalf("k=%d: unexpected value %q", k, got)
		}
		if calls != k+1 {
			t.Fatalf("k=%d: expected %d calls, got %d", k, k+1, calls)
		}
	}
}

func TestCallExhaustsAfterExactlyMaxAttempts(t *testing.T) {
	client, sleeper := newClient(retry.Policy{MaxAttempts: 3, Delay: time.Second})
	last := errors.New("still down")
	calls := 0
	err := client.Do(context.Background(), "down", func(context.Context) error {
		calls++
		return last
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, retry.ErrRemoteCallExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected last error to be wrapped, got %v", err)
	}
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 || exhausted.Op != "down" {
		t.Fatalf("unexpected exhausted error %#v", err)
	}
	if attempts, ok := retry.AttemptsOf(err); !ok || attempts != 3 {
		t.Fatalf("unexpected AttemptsOf %d %v", attempts, ok)
	}
	if len(sleeper.delays) != 2 {
		t.Fatalf("expected 2 sleeps between 3 attempts, got %d", len(sleeper.delays))
	}
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	client, sleeper := newClient(
		retry.Policy{MaxAttempts: 4, Delay: time.Second},
		retry.WithRetryable(services.Retryable),
	)
	permanent := services.Wrap(services.ErrValidation, "annotate", "load", "missing image", nil)
	calls := 0
	err := client.Do(context.Background(), "annotate", func(context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if err != permanent {
		t.Fatalf("expected permanent error returned as-is, got %v", err)
	}
	if errors.Is(err, retry.ErrRemoteCallExhausted) {
		t.Fatal("permanent error must not be reported as exhaustion")
	}
	if len(sleeper.delays) != 0 {
		t.Fatalf("expected no sleeps, got %v", sleeper.delays)
	}
}

func TestBackoffDelays(t *testing.T) {
	cases := []struct {
		name   string
		policy retry.Policy
		want   []time.Duration
	}{
		{"fixed", retry.Policy{MaxAttempts: 4, Delay: time.Second, Backoff: retry.BackoffFixed}, []time.Duration{time.Second, time.Second, time.Second}},
		{"linear", retry.Policy{MaxAttempts: 4, Delay: time.Second, Backoff: retry.BackoffLinear}, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
		{"exponential", retry.Policy{MaxAttempts: 4, Delay: time.Second, Backoff: retry.BackoffExponential}, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		{"capped", retry.Policy{MaxAttempts: 4, Delay: time.Second, Backoff: retry.BackoffExponential, MaxDelay: 3 * time.Second}, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, sleeper := newClient(tc.policy)
			_ = client.Do(context.Background(), "op", func(context.Context) error { return errors.New("x") })
			if len(sleeper.delays) != len(tc.want) {
				t.Fatalf("expected %d sleeps, got %v", len(tc.want), sleeper.delays)
			}
			for i, want := range tc.want {
				if sleeper.delays[i] != want {
					t.Fatalf("sleep %d: got %s want %s", i, sleeper.delays[i], want)
				}
			}
		})
	}
}

type hintedError struct {
	after time.Duration
}

func (e hintedError) Error() string             { return "rate limited" }
func (e hintedError) RetryAfter() time.Duration { return e.after }

func TestRetryAfterHintOverridesBackoff(t *testing.T) {
	client, sleeper := newClient(retry.Policy{MaxAttempts: 3, Delay: time.Second, MaxDelay: 10 * time.Second})
	calls := 0
	_ = client.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return hintedError{after: 7 * time.Second}
		}
		return hintedError{after: time.Minute}
	})
	if len(sleeper.delays) != 2 {
		t.Fatalf("expected 2 sleeps, got %v", sleeper.delays)
	}
	if sleeper.delays[0] != 7*time.Second {
		t.Fatalf("expected hinted delay, got %s", sleeper.delays[0])
	}
	if sleeper.delays[1] != 10*time.Second {
		t.Fatalf("expected capped hinted delay, got %s", sleeper.delays[1])
	}
}

func TestCancellationDuringSleepAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := retry.New(retry.Policy{MaxAttempts: 3, Delay: time.Hour})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- client.Do(ctx, "slow", func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry sleep did not observe cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected one call before cancellation, got %d", calls)
	}
}

func TestAttemptNumberIsOnContext(t *testing.T) {
	client, _ := newClient(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond})
	var seen []int
	_ = client.Do(context.Background(), "op", func(ctx context.Context) error {
		attempt, _ := services.AttemptFromContext(ctx)
		seen = append(seen, attempt)
		return errors.New("x")
	})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected attempts %v", seen)
	}
}

func TestRetryIsLoggedAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, _ := newClient(retry.Policy{MaxAttempts: 2, Delay: time.Second}, retry.WithLogger(logger))
	_ = client.Do(context.Background(), "caption", func(context.Context) error { return errors.New("reset by peer") })

	out := buf.String()
	for _, fragment := range []string{"level=WARN", "op=caption", "attempt=1", "max_attempts=2", "reset by peer", "event_type=retry"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("expected %q in log output %q", fragment, out)
		}
	}
	if strings.Count(out, "level=WARN") != 1 {
		t.Fatalf("expected exactly one retry warning, got %q", out)
	}
}

func TestMaxAttemptsBelowOneRunsOnce(t *testing.T) {
	client, _ := newClient(retry.Policy{MaxAttempts: 0})
	calls := 0
	err := client.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 || !errors.Is(err, retry.ErrRemoteCallExhausted) {
		t.Fatalf("unexpected calls=%d err=%v", calls, err)
	}
}

func TestCounterTalliesAttempts(t *testing.T) {
	client, _ := newClient(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond})
	ctx, counter := retry.WithCounter(context.Background())
	calls := 0
	_ = client.Do(ctx, "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("x")
		}
		return nil
	})
	if counter.Attempts() != 2 {
		t.Fatalf("expected 2 attempts, got %d", counter.Attempts())
	}
	var nilCounter *retry.Counter
	if nilCounter.Attempts() != 0 {
		t.Fatal("nil counter should report zero")
	}
}

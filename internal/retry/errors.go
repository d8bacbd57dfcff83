package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrRemoteCallExhausted matches every *ExhaustedError via errors.Is.
var ErrRemoteCallExhausted = errors.New("remote call exhausted")

// ExhaustedError reports that an operation failed on every allowed attempt.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	op := e.Op
	if op == "" {
		op = "remote call"
	}
	return fmt.Sprintf("%s: failed after %d attempts: %v", op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRemoteCallExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRemoteCallExhausted
}

// AttemptsOf returns the attempt count recorded in an *ExhaustedError chain.
func AttemptsOf(err error) (int, bool) {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts, true
	}
	return 0, false
}

// retryAfterer is implemented by errors that carry a server-provided delay.
type retryAfterer interface {
	RetryAfter() time.Duration
}

func retryAfterHint(err error) (time.Duration, bool) {
	var hinted retryAfterer
	if errors.As(err, &hinted) {
		if d := hinted.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// Package retry wraps flaky remote calls with bounded attempts and backoff.
//
// A Client runs an operation up to Policy.MaxAttempts times. Errors the
// classifier marks permanent stop immediately and are returned as-is; running
// out of attempts returns an *ExhaustedError that matches
// ErrRemoteCallExhausted and unwraps to the last underlying error. Sleeps
// honour context cancellation and block only the calling goroutine.
package retry

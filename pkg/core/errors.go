package core

import (
	"errors"
	"fmt"
	"time"
)

// Configuration and input errors
var (
	ErrInvalidConfig      = errors.New("relay: invalid configuration")
	ErrInvalidJobID       = errors.New("relay: invalid job id")
	ErrPathEscapesSandbox = errors.New("relay: path escapes sandbox root")
)

// Runtime errors
var (
	ErrLockRejected           = errors.New("relay: write rejected, state is locked by another owner")
	ErrParseRecoveryExhausted = errors.New("relay: no structured value could be recovered")
	ErrGlobalTimeout          = errors.New("relay: job exceeded global timeout")
	ErrJobNotFound            = errors.New("relay: job not found")
	ErrBusy                   = errors.New("relay: another job is active")
	ErrEmptyResponse          = errors.New("relay: empty response")
	ErrInvalidManifest        = errors.New("relay: manifest response is not a JSON array")
	ErrEngineNotStarted       = errors.New("relay: engine not started")
)

// DecodeError reports a wire string that could not be fully decoded.
// Decoding still returns a best-effort payload alongside it.
type DecodeError struct {
	Input  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("relay: decode %q: %s", truncate(e.Input, 64), e.Reason)
}

// DispatchError wraps a failure to open a page context for a sub-job.
type DispatchError struct {
	JobID string
	URL   string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("relay: dispatch %s: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// StepError records a failure inside one engine step.
type StepError struct {
	JobID   string
	State   string
	Attempt int
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("relay: job %s failed in %s (attempt %d): %v", e.JobID, e.State, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RetryAfterError indicates a failure that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

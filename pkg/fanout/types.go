package fanout

import (
	"fmt"
	"strings"
)

// Batch is one slice of a fan-out plan.
type Batch[T any] struct {
	Index  int // batch number, starting at 0
	Offset int // position of Items[0] in the planned slice
	Items  []T
}

// Result wraps an item result with its index and potential error.
type Result[T any] struct {
	Index int   // Position in the planned slice
	Value T     // Result if successful
	Err   error // Error if failed
}

// Error contains details about fan-out failures.
type Error struct {
	Batch       int
	TotalCount  int
	FailedCount int
	Strategy    Strategy
	Failures    []ItemFailure
}

func (e *Error) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("fan-out batch %d failed: %d/%d items failed", e.Batch, e.FailedCount, e.TotalCount)
	}
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("#%d: %v", f.Index, f.Err))
	}
	return fmt.Sprintf("fan-out batch %d failed: %d/%d items failed (%s)",
		e.Batch, e.FailedCount, e.TotalCount, strings.Join(msgs, "; "))
}

// Unwrap exposes the item errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// ItemFailure contains details about a single item failure.
type ItemFailure struct {
	Index int
	Err   error
}

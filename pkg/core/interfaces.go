package core

import (
	"context"
	"time"
)

// Clock supplies the current time. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall time.
var SystemClock Clock = ClockFunc(time.Now)

// Signal is a boolean probe polled by the engine, such as "page ready"
// or "generation finished".
type Signal interface {
	Poll(ctx context.Context) bool
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(ctx context.Context) bool

// Poll implements Signal.
func (f SignalFunc) Poll(ctx context.Context) bool { return f(ctx) }

// Page is the capability set the engine needs from a chat page.
type Page interface {
	IsReady(ctx context.Context) bool
	IsGenerating(ctx context.Context) bool
	SetInputAndSubmit(ctx context.Context, text string) error
	ExtractLatestResponseText(ctx context.Context) (string, error)
}

// Closer tears down the page context once a job has settled.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close implements Closer.
func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

// ResultSink receives settled jobs, typically the companion service.
type ResultSink interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	ReportStatus(ctx context.Context, job *JobRecord)
}

// Tx is the view of the store available while holding the state lock.
type Tx interface {
	Get(id string) (*JobRecord, error)
	Put(job *JobRecord) error
	Delete(id string) error
	State() (*RelayState, error)
}

// QueueStore persists jobs and relay state for one or more namespaces and
// enforces the advisory lock that serializes writers.
//
// Writes made while the state is locked by a different owner are rejected
// with ErrLockRejected unless a single-use override has been granted.
type QueueStore interface {
	// Migrate creates the required tables.
	Migrate(ctx context.Context) error

	// Get returns a job, or nil if it does not exist or is tombstoned.
	Get(ctx context.Context, ns, id string) (*JobRecord, error)
	// Put inserts or shallow-merges a job on behalf of owner.
	Put(ctx context.Context, ns, owner string, job *JobRecord) error
	// Delete tombstones a job on behalf of owner.
	Delete(ctx context.Context, ns, owner, id string) error
	// List returns live jobs matching the filter ordered by creation time.
	List(ctx context.Context, ns string, filter JobFilter) ([]*JobRecord, error)
	// WithLock acquires the lock for owner, runs fn and releases it.
	WithLock(ctx context.Context, ns, owner string, fn func(tx Tx) error) error

	// Acquire takes the lock for owner. It reports false when another owner holds it.
	Acquire(ctx context.Context, ns, owner string) (bool, error)
	// Release drops the lock if owner holds it. Releasing an unheld lock is a no-op.
	Release(ctx context.Context, ns, owner string) error
	// BreakLock grants a single-use override admitting exactly one locked write.
	BreakLock(ctx context.Context, ns string) error

	// State returns the namespace state, creating it if needed.
	State(ctx context.Context, ns string) (*RelayState, error)
	SetStatus(ctx context.Context, ns string, status RelayStatus) error
	SetTickets(ctx context.Context, ns, title string, tickets map[string]Ticket) error
	// AppendEvents appends to the event log keeping the newest MaxEventLog entries.
	AppendEvents(ctx context.Context, ns string, events ...EventRecord) error
	IncrementRunCount(ctx context.Context, ns string) (int, error)
	// NextSequence returns the next run number for a description hash.
	NextSequence(ctx context.Context, ns, hash string) (int, error)

	// Prune hard-deletes tombstones older than the cutoff.
	Prune(ctx context.Context, ns string, olderThan time.Time) (int64, error)
	// Clear removes every job in the namespace and reports counts before and after.
	Clear(ctx context.Context, ns string) (before, after int64, err error)
	// Namespaces lists known namespaces.
	Namespaces(ctx context.Context) ([]string, error)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/job-relay/pkg/chunker"
	"github.com/jdziat/job-relay/pkg/codec"
	"github.com/jdziat/job-relay/pkg/core"
	"github.com/jdziat/job-relay/pkg/dispatch"
	"github.com/jdziat/job-relay/pkg/fanout"
	"github.com/jdziat/job-relay/pkg/security"
)

// State is a step of the relay state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingReady
	StateSubmitting
	StateGenerating
	StateParsing
	StateDispatching
	StateSettling
	StateTimedOut
	StateFailed
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateAwaitingReady: "awaiting_ready",
	StateSubmitting:    "submitting",
	StateGenerating:    "generating",
	StateParsing:       "parsing",
	StateDispatching:   "dispatching",
	StateSettling:      "settling",
	StateTimedOut:      "timed_out",
	StateFailed:        "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the engine stops in this state.
func (s State) Terminal() bool {
	return s == StateTimedOut || s == StateFailed
}

// Dispatcher opens a page context for a manifest item.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind core.JobKind, jobID, filePath, content string) (*dispatch.Handle, error)
}

// Engine relays one job at a time for a single page context.
type Engine struct {
	store      core.QueueStore
	page       core.Page
	dispatcher Dispatcher
	sink       core.ResultSink
	ready      core.Signal
	finished   core.Signal
	closer     core.Closer
	clock      core.Clock
	logger     *slog.Logger
	cfg        Config

	mu        sync.Mutex
	state     State
	job       *core.JobRecord
	nextAt    time.Time
	startedAt time.Time
	locked    bool
	dirty     bool
	lastErr   error

	// per attempt
	chunks     []chunker.Chunk
	sent       int
	batches    []fanout.Batch[ManifestItem]
	batch      int
	tearingOff bool

	subsMu sync.RWMutex
	subs   []chan core.Event
}

// New creates an engine driving page and persisting through store.
func New(store core.QueueStore, page core.Page, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: engine store is required", core.ErrInvalidConfig)
	}
	if page == nil {
		return nil, fmt.Errorf("%w: engine page is required", core.ErrInvalidConfig)
	}

	e := &Engine{
		store:    store,
		page:     page,
		ready:    core.SignalFunc(page.IsReady),
		finished: core.SignalFunc(func(ctx context.Context) bool { return !page.IsGenerating(ctx) }),
		clock:    core.SystemClock,
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
	}
	if c, ok := page.(core.Closer); ok {
		e.closer = c
	}
	for _, opt := range opts {
		opt.apply(e)
	}

	if strings.TrimSpace(e.cfg.Namespace) == "" {
		return nil, fmt.Errorf("%w: engine namespace is required", core.ErrInvalidConfig)
	}
	if e.cfg.Owner == "" {
		e.cfg.Owner = "engine-" + uuid.NewString()
	}
	if e.cfg.MaxPromptSize > chunker.TokenMax {
		return nil, fmt.Errorf("%w: max prompt size %d above %d", core.ErrInvalidConfig, e.cfg.MaxPromptSize, chunker.TokenMax)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Job returns a copy of the current or last job.
func (e *Engine) Job() *core.JobRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone()
}

// Err returns the error that ended or last interrupted the current job.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) active() bool {
	return e.job != nil && e.state != StateIdle && !e.state.Terminal()
}

// Start loads a job and puts it at AwaitingReady. Starting the job that is
// already active is a no-op; starting another one returns core.ErrBusy.
// Jobs that are done, timed out or out of retries are not resumed.
func (e *Engine) Start(ctx context.Context, jobID string) error {
	if err := security.ValidateJobID(jobID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active() {
		if e.job.ID == jobID {
			return nil
		}
		return fmt.Errorf("%w: %s is running", core.ErrBusy, e.job.ID)
	}

	job, err := e.store.Get(ctx, e.cfg.Namespace, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}
	if job.Status.Terminal() {
		e.logger.Debug("job already finished, not resuming", "job_id", jobID, "status", job.Status)
		return nil
	}
	if job.Status == core.StatusError && e.cfg.MaxRetries > 0 && job.RetryCount >= e.cfg.MaxRetries {
		e.logger.Debug("job out of retries, not resuming", "job_id", jobID, "retries", job.RetryCount)
		return nil
	}
	if job.Kind == "" {
		job.Kind = kindOf(job.ID, core.KindWrite)
	}

	e.job = job
	e.state = StateAwaitingReady
	e.nextAt = time.Time{}
	e.startedAt = e.clock.Now()
	e.lastErr = nil
	e.dirty = false
	e.resetAttempt()

	e.logger.Info("job loaded", "job_id", job.ID, "kind", job.Kind, "status", job.Status, "retries", job.RetryCount)
	return nil
}

// StartFragment starts the job carried by a URL fragment, creating its
// record on first sight. A degraded decode still starts the job when an id
// could be recovered.
func (e *Engine) StartFragment(ctx context.Context, fragment string) error {
	kind, p, err := codec.ParseFragment(fragment)
	if err != nil {
		var de *core.DecodeError
		if !errors.As(err, &de) || p.JobID == "" {
			return err
		}
		e.logger.Warn("fragment decoded with errors", "job_id", p.JobID, "error", err)
	}
	if err := security.ValidateJobID(p.JobID); err != nil {
		return err
	}

	ns := e.cfg.Namespace
	existing, err := e.store.Get(ctx, ns, p.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", p.JobID, err)
	}
	if existing == nil {
		rec := &core.JobRecord{
			ID:       p.JobID,
			Kind:     kindOf(p.JobID, kind),
			FilePath: p.FilePath,
			Content:  p.Content,
			Status:   core.StatusNew,
		}
		if err := e.store.Put(ctx, ns, e.cfg.Owner, rec); err != nil {
			return fmt.Errorf("create job %s: %w", p.JobID, err)
		}
	}
	if _, err := e.store.IncrementRunCount(ctx, ns); err != nil {
		return fmt.Errorf("count run: %w", err)
	}
	return e.Start(ctx, p.JobID)
}

// Enqueue mints an id for a new job from the active ticket description and
// stores the job with status new.
func (e *Engine) Enqueue(ctx context.Context, kind core.JobKind, filePath, content string) (*core.JobRecord, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", core.ErrInvalidConfig, kind)
	}
	if err := security.ValidateContent(content); err != nil {
		return nil, err
	}

	ns := e.cfg.Namespace
	st, err := e.store.State(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("load relay state: %w", err)
	}
	desc := content
	if t := st.ActiveTicket(); t != nil {
		desc = t.Description
	}

	seq, err := e.store.NextSequence(ctx, ns, codec.DescriptionHash(desc))
	if err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	id := codec.MintJobID(kind, desc, seq)
	if kind == core.KindWrite {
		if filePath == "" {
			filePath = "/tmp/" + id + ".txt"
		}
		filePath = codec.NormalizeSandboxPath(filePath)
	}

	rec := &core.JobRecord{ID: id, Kind: kind, FilePath: filePath, Content: content, Status: core.StatusNew}
	if err := e.store.Put(ctx, ns, e.cfg.Owner, rec); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}
	e.logger.Info("job enqueued", "job_id", id, "kind", kind)
	return e.store.Get(ctx, ns, id)
}

// Tick performs at most one step of the current job. It returns an error
// only for store or context failures; job failures take the retry edge.
func (e *Engine) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active() {
		return nil
	}

	st, err := e.store.State(ctx, e.cfg.Namespace)
	if err != nil {
		return fmt.Errorf("load relay state: %w", err)
	}
	if st.Status == core.RelayPaused {
		return nil
	}

	if e.dirty {
		if err := e.persist(ctx); err != nil {
			return err
		}
	}

	now := e.clock.Now()
	if e.expired(now) {
		return e.timeout(ctx)
	}
	if now.Before(e.nextAt) {
		return nil
	}

	switch e.state {
	case StateAwaitingReady:
		return e.awaitReady(ctx, now)
	case StateSubmitting:
		return e.submit(ctx, now, st)
	case StateGenerating:
		return e.awaitFinished(ctx, now)
	case StateParsing:
		return e.parse(ctx, now)
	case StateDispatching:
		return e.dispatchBatch(ctx, now)
	case StateSettling:
		return e.settle(ctx, now)
	}
	return nil
}

// Run drives Tick until the job settles, fails terminally or ctx ends.
// It returns nil once idle, core.ErrGlobalTimeout on timeout and the last
// step error when retries are exhausted.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			e.logger.Error("tick failed", "error", err)
		}

		switch s := e.State(); {
		case s == StateIdle:
			return nil
		case s.Terminal():
			return e.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events returns a channel for receiving engine events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (e *Engine) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events.
// The channel is not closed.
func (e *Engine) Unsubscribe(ch <-chan core.Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for i, sub := range e.subs {
		if sub == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// emit broadcasts to subscribers without blocking and appends the event to
// the persisted log. It is safe to call from dispatch goroutines.
func (e *Engine) emit(ctx context.Context, ev core.Event) {
	e.subsMu.RLock()
	subs := make([]chan core.Event, len(e.subs))
	copy(subs, e.subs)
	e.subsMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop if full
		}
	}

	rec := core.RecordOf(ev)
	rec.State = e.stateName()
	if err := e.store.AppendEvents(ctx, e.cfg.Namespace, rec); err != nil {
		e.logger.Warn("failed to append event", "type", rec.Type, "job_id", rec.JobID, "error", err)
	}
}

// stateName is read by emit while e.mu may be held by the caller, so it
// must not take the lock.
func (e *Engine) stateName() string {
	return e.state.String()
}

func (e *Engine) expired(now time.Time) bool {
	if e.cfg.GlobalTimeout <= 0 || e.job.Status == core.StatusDone {
		return false
	}
	origin := e.job.CreatedAt
	if origin.IsZero() {
		origin = e.startedAt
	}
	return now.Sub(origin) >= e.cfg.GlobalTimeout
}

// persist writes the job as the engine owner. A lock rejection leaves the
// job dirty so the next tick writes it again.
func (e *Engine) persist(ctx context.Context) error {
	err := e.store.Put(ctx, e.cfg.Namespace, e.cfg.Owner, e.job.Clone())
	if errors.Is(err, core.ErrLockRejected) {
		e.dirty = true
		e.logger.Warn("job write rejected, will retry", "job_id", e.job.ID, "status", e.job.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist job %s: %w", e.job.ID, err)
	}
	e.dirty = false
	if e.sink != nil {
		e.sink.ReportStatus(ctx, e.job.Clone())
	}
	return nil
}

func (e *Engine) release(ctx context.Context) {
	if !e.locked {
		return
	}
	if err := e.store.Release(ctx, e.cfg.Namespace, e.cfg.Owner); err != nil {
		e.logger.Warn("failed to release lock", "job_id", e.job.ID, "error", err)
		return
	}
	e.locked = false
}

func (e *Engine) resetAttempt() {
	e.chunks = nil
	e.sent = 0
	e.batches = nil
	e.batch = 0
	e.tearingOff = false
}

// fail takes the retry edge, or stops the engine when retries are exhausted.
func (e *Engine) fail(ctx context.Context, now time.Time, cause error) error {
	stepErr := &core.StepError{
		JobID:   e.job.ID,
		State:   e.state.String(),
		Attempt: e.job.RetryCount + 1,
		Err:     cause,
	}
	e.lastErr = stepErr
	e.logger.Warn("job step failed", "job_id", e.job.ID, "state", e.state, "attempt", stepErr.Attempt, "error", cause)

	e.job.Errors = security.AppendError(e.job.Errors, cause)
	e.job.RetryCount++
	e.job.Status = core.StatusError
	e.resetAttempt()
	e.release(ctx)
	if err := e.persist(ctx); err != nil {
		return err
	}

	if e.cfg.MaxRetries > 0 && e.job.RetryCount >= e.cfg.MaxRetries {
		e.state = StateFailed
		e.logger.Error("job failed, retries exhausted", "job_id", e.job.ID, "retries", e.job.RetryCount, "error", cause)
		e.emit(ctx, &core.JobFailed{JobID: e.job.ID, Error: stepErr, Timestamp: now})
		return nil
	}

	e.state = StateAwaitingReady
	e.nextAt = now.Add(e.cfg.PollInterval)
	e.emit(ctx, &core.JobRetrying{JobID: e.job.ID, Attempt: e.job.RetryCount, Error: cause, Timestamp: now})
	return nil
}

func (e *Engine) timeout(ctx context.Context) error {
	now := e.clock.Now()
	e.lastErr = fmt.Errorf("%w: %s", core.ErrGlobalTimeout, e.job.ID)
	e.logger.Error("job timed out", "job_id", e.job.ID, "timeout", e.cfg.GlobalTimeout)

	e.job.Status = core.StatusTimedOut
	e.job.Errors = security.AppendError(e.job.Errors, core.ErrGlobalTimeout)
	e.resetAttempt()
	e.release(ctx)
	e.state = StateTimedOut
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.emit(ctx, &core.JobTimedOut{JobID: e.job.ID, Timestamp: now})
	return nil
}

// kindOf reads the kind segment of id, falling back when it has none.
func kindOf(id string, fallback core.JobKind) core.JobKind {
	parts, err := codec.ParseJobID(id)
	if err == nil && parts.Kind != "" {
		return parts.Kind
	}
	if fallback == "" {
		return core.KindWrite
	}
	return fallback
}

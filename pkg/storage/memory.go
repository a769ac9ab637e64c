package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/job-relay/pkg/core"
)

// MemoryStore is an in-process core.QueueStore. It follows the same lock and
// merge rules as GormStore and is what tests and dry runs use.
type MemoryStore struct {
	mu     sync.Mutex
	spaces map[string]*memSpace
	clock  core.Clock
	logger *slog.Logger
}

type memSpace struct {
	state core.RelayState
	jobs  map[string]*core.JobRecord
	seq   map[string]int
}

var _ core.QueueStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spaces: make(map[string]*memSpace),
		clock:  core.SystemClock,
		logger: slog.Default(),
	}
}

// SetClock replaces the clock used for timestamps.
func (s *MemoryStore) SetClock(c core.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != nil {
		s.clock = c
	}
}

// SetLogger replaces the store logger.
func (s *MemoryStore) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Migrate is a no-op.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) space(ns string) *memSpace {
	sp, ok := s.spaces[ns]
	if !ok {
		sp = &memSpace{
			state: core.RelayState{Namespace: ns, Status: core.RelayPlay, Tickets: map[string]core.Ticket{}},
			jobs:  make(map[string]*core.JobRecord),
			seq:   make(map[string]int),
		}
		s.spaces[ns] = sp
	}
	return sp
}

// ────────────────────────────────────────────────────────────────────────────
// Jobs
// ────────────────────────────────────────────────────────────────────────────

// Get returns a copy of a live job.
func (s *MemoryStore) Get(_ context.Context, ns, id string) (*core.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ns, id), nil
}

func (s *MemoryStore) get(ns, id string) *core.JobRecord {
	j, ok := s.space(ns).jobs[id]
	if !ok || j.Tombstoned() {
		return nil
	}
	return j.Clone()
}

// Put inserts or merges a job if owner is admitted by the lock.
func (s *MemoryStore) Put(_ context.Context, ns, owner string, job *core.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(ns, owner, false); err != nil {
		return err
	}
	return s.put(ns, job)
}

func (s *MemoryStore) put(ns string, job *core.JobRecord) error {
	if job == nil || job.ID == "" {
		return core.ErrInvalidJobID
	}
	now := s.clock.Now()
	sp := s.space(ns)

	existing, ok := sp.jobs[job.ID]
	if !ok || existing.Tombstoned() {
		rec := job.Clone()
		rec.Namespace = ns
		rec.DeletedAt = gorm.DeletedAt{}
		if rec.Status == "" {
			rec.Status = core.StatusNew
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		sp.jobs[job.ID] = rec
		return nil
	}

	existing.Merge(job)
	existing.UpdatedAt = now
	return nil
}

// Delete tombstones a job if owner is admitted by the lock.
func (s *MemoryStore) Delete(_ context.Context, ns, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admit(ns, owner, false); err != nil {
		return err
	}
	s.delete(ns, id)
	return nil
}

func (s *MemoryStore) delete(ns, id string) {
	if j, ok := s.space(ns).jobs[id]; ok && !j.Tombstoned() {
		j.DeletedAt = gorm.DeletedAt{Time: s.clock.Now(), Valid: true}
	}
}

// List returns copies of live jobs ordered by creation time.
func (s *MemoryStore) List(_ context.Context, ns string, filter core.JobFilter) ([]*core.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.JobRecord
	for _, j := range s.space(ns).jobs {
		if j.Tombstoned() || !filter.Matches(j) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Locking
// ────────────────────────────────────────────────────────────────────────────

// admit must be called with mu held. The holder of a long-held lock passes;
// a lock scoped to a WithLock call admits no one but the override.
func (s *MemoryStore) admit(ns, owner string, scoped bool) error {
	st := &s.space(ns).state
	if !st.Locked {
		return nil
	}
	if owner != "" && st.LockedBy == owner && !(scoped && st.LockScoped) {
		return nil
	}
	if st.LockOverride {
		st.LockOverride = false
		s.logger.Warn("lock override consumed", "namespace", ns, "owner", owner, "holder", st.LockedBy)
		return nil
	}
	s.logger.Warn("write rejected by lock", "namespace", ns, "owner", owner, "holder", st.LockedBy)
	return core.ErrLockRejected
}

// WithLock takes the lock for owner for the duration of fn. The store mutex
// is not held while fn runs so fn must only use tx.
func (s *MemoryStore) WithLock(_ context.Context, ns, owner string, fn func(tx core.Tx) error) error {
	s.mu.Lock()
	st := &s.space(ns).state
	acquired := false
	if !st.Locked {
		st.Locked, st.LockedBy, st.LockScoped = true, owner, true
		acquired = true
	} else if err := s.admit(ns, owner, true); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if acquired {
		defer func() {
			s.mu.Lock()
			s.release(ns, owner)
			s.mu.Unlock()
		}()
	}
	return fn(&memTx{s: s, ns: ns})
}

// Acquire takes the long-held lock for owner.
func (s *MemoryStore) Acquire(_ context.Context, ns, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.space(ns).state
	if st.Locked && (st.LockedBy != owner || st.LockScoped) {
		return false, nil
	}
	st.Locked, st.LockedBy = true, owner
	return true, nil
}

// Release drops the lock if owner holds it.
func (s *MemoryStore) Release(_ context.Context, ns, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(ns, owner)
	return nil
}

func (s *MemoryStore) release(ns, owner string) {
	st := &s.space(ns).state
	if st.Locked && st.LockedBy == owner {
		st.Locked, st.LockedBy, st.LockScoped = false, "", false
	}
}

// BreakLock grants a single-use override.
func (s *MemoryStore) BreakLock(_ context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.space(ns).state.LockOverride = true
	return nil
}

type memTx struct {
	s  *MemoryStore
	ns string
}

func (t *memTx) Get(id string) (*core.JobRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.get(t.ns, id), nil
}

func (t *memTx) Put(job *core.JobRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.put(t.ns, job)
}

func (t *memTx) Delete(id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.delete(t.ns, id)
	return nil
}

func (t *memTx) State() (*core.RelayState, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.space(t.ns).state.Clone(), nil
}

// ────────────────────────────────────────────────────────────────────────────
// State
// ────────────────────────────────────────────────────────────────────────────

// State returns a copy of the namespace state.
func (s *MemoryStore) State(_ context.Context, ns string) (*core.RelayState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.space(ns).state.Clone(), nil
}

// SetStatus switches the relay between play and paused.
func (s *MemoryStore) SetStatus(_ context.Context, ns string, status core.RelayStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.space(ns).state.Status = status
	return nil
}

// SetTickets replaces the ticket set and active title.
func (s *MemoryStore) SetTickets(_ context.Context, ns, title string, tickets map[string]core.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.space(ns).state
	st.Title = title
	st.Tickets = make(map[string]core.Ticket, len(tickets))
	for k, v := range tickets {
		st.Tickets[k] = v
	}
	return nil
}

// AppendEvents appends to the log keeping the newest core.MaxEventLog entries.
func (s *MemoryStore) AppendEvents(_ context.Context, ns string, events ...core.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.space(ns).state
	for _, e := range events {
		e.Namespace = ns
		st.Events = append(st.Events, e)
	}
	if over := len(st.Events) - core.MaxEventLog; over > 0 {
		st.Events = append([]core.EventRecord(nil), st.Events[over:]...)
	}
	return nil
}

// IncrementRunCount bumps the run counter and returns its new value.
func (s *MemoryStore) IncrementRunCount(_ context.Context, ns string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.space(ns).state
	st.RunCount++
	return st.RunCount, nil
}

// NextSequence returns the next run number for a description hash, starting at 1.
func (s *MemoryStore) NextSequence(_ context.Context, ns, hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.space(ns)
	sp.seq[hash]++
	return sp.seq[hash], nil
}

// ────────────────────────────────────────────────────────────────────────────
// Maintenance
// ────────────────────────────────────────────────────────────────────────────

// Prune removes tombstones deleted before olderThan.
func (s *MemoryStore) Prune(_ context.Context, ns string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	sp := s.space(ns)
	for id, j := range sp.jobs {
		if j.Tombstoned() && j.DeletedAt.Time.Before(olderThan) {
			delete(sp.jobs, id)
			n++
		}
	}
	return n, nil
}

// Clear removes every job in the namespace.
func (s *MemoryStore) Clear(_ context.Context, ns string) (before, after int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.space(ns)
	before = int64(len(sp.jobs))
	sp.jobs = make(map[string]*core.JobRecord)
	return before, int64(len(sp.jobs)), nil
}

// Namespaces lists known namespaces.
func (s *MemoryStore) Namespaces(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.spaces))
	for ns := range s.spaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

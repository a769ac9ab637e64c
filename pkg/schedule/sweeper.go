package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/job-relay/pkg/core"
)

// DefaultRetention is how long tombstones are kept before pruning.
const DefaultRetention = 24 * time.Hour

// Sweeper prunes tombstoned jobs from every namespace of a store on a schedule.
type Sweeper struct {
	store     core.QueueStore
	schedule  Schedule
	retention time.Duration
	poll      time.Duration
	clock     core.Clock
	logger    *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption interface {
	apply(*Sweeper)
}

type optionFunc func(*Sweeper)

func (f optionFunc) apply(s *Sweeper) { f(s) }

// WithRetention sets how old a tombstone must be before it is pruned.
func WithRetention(d time.Duration) SweeperOption {
	return optionFunc(func(s *Sweeper) {
		if d >= 0 {
			s.retention = d
		}
	})
}

// WithPollInterval sets how often Run checks whether a sweep is due.
func WithPollInterval(d time.Duration) SweeperOption {
	return optionFunc(func(s *Sweeper) {
		if d > 0 {
			s.poll = d
		}
	})
}

// WithClock sets the clock.
func WithClock(c core.Clock) SweeperOption {
	return optionFunc(func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SweeperOption {
	return optionFunc(func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	})
}

// NewSweeper creates a sweeper. A nil schedule defaults to hourly.
func NewSweeper(store core.QueueStore, sched Schedule, opts ...SweeperOption) *Sweeper {
	if sched == nil {
		sched = Every(time.Hour)
	}
	s := &Sweeper{
		store:     store,
		schedule:  sched,
		retention: DefaultRetention,
		poll:      time.Second,
		clock:     core.SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Sweep prunes every namespace once and returns the number of tombstones
// removed. Namespaces that fail are skipped and reported together.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	namespaces, err := s.store.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.retention)
	var total int64
	var errs []error
	for _, ns := range namespaces {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.Prune(ctx, ns, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", ns, err))
			continue
		}
		if n > 0 {
			s.logger.Info("pruned tombstones", "namespace", ns, "count", n)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Run sweeps whenever the schedule is due until ctx is cancelled. The
// first sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		now := s.clock.Now()
		if lastRun.IsZero() || !now.Before(s.schedule.Next(lastRun)) {
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("sweep failed", "error", err)
			}
			lastRun = now
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

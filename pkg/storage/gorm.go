// Package storage provides QueueStore implementations for the relay packages.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/job-relay/pkg/core"
)

// GormStore implements core.QueueStore using GORM.
//
// The advisory lock lives on the relay_states row and every check-and-set
// is a conditional UPDATE whose RowsAffected decides the outcome.
type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ core.QueueStore = (*GormStore)(nil)

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, logger: slog.Default()}
}

// SetLogger replaces the store logger.
func (s *GormStore) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// DB returns the underlying connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.JobRecord{},
		&core.RelayState{},
		&core.EventRecord{},
		&core.Sequence{},
	)
}

// ────────────────────────────────────────────────────────────────────────────
// Jobs
// ────────────────────────────────────────────────────────────────────────────

// Get retrieves a live job by ID.
func (s *GormStore) Get(ctx context.Context, ns, id string) (*core.JobRecord, error) {
	return getJob(s.db.WithContext(ctx), ns, id)
}

// Put inserts or merges a job if owner is admitted by the lock.
func (s *GormStore) Put(ctx context.Context, ns, owner string, job *core.JobRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.admit(tx, ns, owner, false); err != nil {
			return err
		}
		return putJob(tx, ns, job)
	})
}

// Delete tombstones a job if owner is admitted by the lock.
func (s *GormStore) Delete(ctx context.Context, ns, owner, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.admit(tx, ns, owner, false); err != nil {
			return err
		}
		return deleteJob(tx, ns, id)
	})
}

// List returns live jobs ordered by creation time.
func (s *GormStore) List(ctx context.Context, ns string, filter core.JobFilter) ([]*core.JobRecord, error) {
	q := s.db.WithContext(ctx).Where("namespace = ?", ns)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.ParentID != "" {
		q = q.Where("parent_id = ?", filter.ParentID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var jobList []*core.JobRecord
	err := q.Order("created_at ASC, id ASC").Find(&jobList).Error
	return jobList, err
}

func getJob(db *gorm.DB, ns, id string) (*core.JobRecord, error) {
	var job core.JobRecord
	err := db.First(&job, "namespace = ? AND id = ?", ns, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func putJob(db *gorm.DB, ns string, job *core.JobRecord) error {
	if job == nil || job.ID == "" {
		return core.ErrInvalidJobID
	}

	var existing core.JobRecord
	err := db.Unscoped().First(&existing, "namespace = ? AND id = ?", ns, job.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return createJob(db, ns, job)
	case err != nil:
		return err
	case existing.DeletedAt.Valid:
		// A tombstoned id is reused by a fresh record.
		if err := db.Unscoped().Delete(&core.JobRecord{}, "namespace = ? AND id = ?", ns, job.ID).Error; err != nil {
			return err
		}
		return createJob(db, ns, job)
	}

	patch := *job
	patch.Namespace, patch.ID = "", ""
	patch.CreatedAt, patch.UpdatedAt = time.Time{}, time.Time{}
	return db.Model(&core.JobRecord{}).
		Where("namespace = ? AND id = ?", ns, job.ID).
		Updates(&patch).Error
}

func createJob(db *gorm.DB, ns string, job *core.JobRecord) error {
	rec := job.Clone()
	rec.Namespace = ns
	if rec.Status == "" {
		rec.Status = core.StatusNew
	}
	return db.Create(rec).Error
}

func deleteJob(db *gorm.DB, ns, id string) error {
	return db.Where("namespace = ? AND id = ?", ns, id).Delete(&core.JobRecord{}).Error
}

// ────────────────────────────────────────────────────────────────────────────
// Locking
// ────────────────────────────────────────────────────────────────────────────

// WithLock acquires the state lock for owner, runs fn in a transaction and
// releases the lock if this call took it. A long-held lock of owner is left
// in place; a lock held by another WithLock call rejects, whatever its
// owner. A pending override admits fn once without taking the lock.
func (s *GormStore) WithLock(ctx context.Context, ns, owner string, fn func(tx core.Tx) error) error {
	db := s.db.WithContext(ctx)
	if err := ensureState(db, ns); err != nil {
		return err
	}

	acquired, err := tryLock(db, ns, owner)
	if err != nil {
		return err
	}
	if !acquired {
		if err := s.admit(db, ns, owner, true); err != nil {
			return err
		}
	}
	if acquired {
		defer func() {
			if err := unlock(s.db, ns, owner); err != nil {
				s.logger.Error("failed to release lock", "namespace", ns, "owner", owner, "error", err)
			}
		}()
	}

	return db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, ns: ns})
	})
}

// Acquire takes the long-held lock for owner.
func (s *GormStore) Acquire(ctx context.Context, ns, owner string) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := ensureState(db, ns); err != nil {
		return false, err
	}
	result := db.Model(&core.RelayState{}).
		Where("namespace = ? AND (locked = ? OR (locked_by = ? AND lock_scoped = ?))", ns, false, owner, false).
		Updates(map[string]any{"locked": true, "locked_by": owner, "lock_scoped": false})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release drops the lock if owner holds it.
func (s *GormStore) Release(ctx context.Context, ns, owner string) error {
	return unlock(s.db.WithContext(ctx), ns, owner)
}

// BreakLock grants a single-use override.
func (s *GormStore) BreakLock(ctx context.Context, ns string) error {
	db := s.db.WithContext(ctx)
	if err := ensureState(db, ns); err != nil {
		return err
	}
	return db.Model(&core.RelayState{}).
		Where("namespace = ?", ns).
		Update("lock_override", true).Error
}

// tryLock takes an unlocked lock. It reports false when the lock is held,
// including when owner itself holds it.
func tryLock(db *gorm.DB, ns, owner string) (bool, error) {
	result := db.Model(&core.RelayState{}).
		Where("namespace = ? AND locked = ?", ns, false).
		Updates(map[string]any{"locked": true, "locked_by": owner, "lock_scoped": true})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func unlock(db *gorm.DB, ns, owner string) error {
	return db.Model(&core.RelayState{}).
		Where("namespace = ? AND locked = ? AND locked_by = ?", ns, true, owner).
		Updates(map[string]any{"locked": false, "locked_by": "", "lock_scoped": false}).Error
}

// admit decides whether owner may write. Unlocked state and the lock holder
// pass, except that a scoped caller never joins another WithLock hold.
// Anyone else needs the override, which is cleared by the same conditional
// UPDATE that reads it so only one writer can consume it.
func (s *GormStore) admit(db *gorm.DB, ns, owner string, scoped bool) error {
	var st core.RelayState
	err := db.First(&st, "namespace = ?", ns).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.Locked {
		return nil
	}
	if owner != "" && st.LockedBy == owner && !(scoped && st.LockScoped) {
		return nil
	}

	result := db.Model(&core.RelayState{}).
		Where("namespace = ? AND lock_override = ?", ns, true).
		Update("lock_override", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		s.logger.Warn("lock override consumed", "namespace", ns, "owner", owner, "holder", st.LockedBy)
		return nil
	}

	s.logger.Warn("write rejected by lock", "namespace", ns, "owner", owner, "holder", st.LockedBy)
	return core.ErrLockRejected
}

type gormTx struct {
	db *gorm.DB
	ns string
}

func (t *gormTx) Get(id string) (*core.JobRecord, error) { return getJob(t.db, t.ns, id) }
func (t *gormTx) Put(job *core.JobRecord) error          { return putJob(t.db, t.ns, job) }
func (t *gormTx) Delete(id string) error                 { return deleteJob(t.db, t.ns, id) }
func (t *gormTx) State() (*core.RelayState, error)       { return loadState(t.db, t.ns) }

// ────────────────────────────────────────────────────────────────────────────
// State
// ────────────────────────────────────────────────────────────────────────────

func ensureState(db *gorm.DB, ns string) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&core.RelayState{Namespace: ns, Status: core.RelayPlay, Tickets: map[string]core.Ticket{}}).Error
}

func loadState(db *gorm.DB, ns string) (*core.RelayState, error) {
	if err := ensureState(db, ns); err != nil {
		return nil, err
	}
	var st core.RelayState
	if err := db.First(&st, "namespace = ?", ns).Error; err != nil {
		return nil, err
	}
	if err := db.Where("namespace = ?", ns).Order("at ASC, id ASC").Find(&st.Events).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// State returns the namespace state with its event log.
func (s *GormStore) State(ctx context.Context, ns string) (*core.RelayState, error) {
	return loadState(s.db.WithContext(ctx), ns)
}

// SetStatus switches the relay between play and paused.
func (s *GormStore) SetStatus(ctx context.Context, ns string, status core.RelayStatus) error {
	db := s.db.WithContext(ctx)
	if err := ensureState(db, ns); err != nil {
		return err
	}
	return db.Model(&core.RelayState{}).Where("namespace = ?", ns).Update("status", status).Error
}

// SetTickets replaces the ticket set and active title.
func (s *GormStore) SetTickets(ctx context.Context, ns, title string, tickets map[string]core.Ticket) error {
	db := s.db.WithContext(ctx)
	if err := ensureState(db, ns); err != nil {
		return err
	}
	if tickets == nil {
		tickets = map[string]core.Ticket{}
	}
	return db.Model(&core.RelayState{Namespace: ns}).
		Select("Title", "Tickets").
		Updates(&core.RelayState{Title: title, Tickets: tickets}).Error
}

// AppendEvents stores events and trims the log to core.MaxEventLog entries.
func (s *GormStore) AppendEvents(ctx context.Context, ns string, events ...core.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]core.EventRecord, len(events))
		for i, e := range events {
			e.Namespace = ns
			rows[i] = e
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}

		var stale []string
		err := tx.Model(&core.EventRecord{}).
			Where("namespace = ?", ns).
			Order("at DESC, id DESC").
			Offset(core.MaxEventLog).
			Limit(len(events)+core.MaxEventLog).
			Pluck("id", &stale).Error
		if err != nil || len(stale) == 0 {
			return err
		}
		return tx.Where("id IN ?", stale).Delete(&core.EventRecord{}).Error
	})
}

// IncrementRunCount bumps the run counter and returns its new value.
func (s *GormStore) IncrementRunCount(ctx context.Context, ns string) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureState(tx, ns); err != nil {
			return err
		}
		err := tx.Model(&core.RelayState{}).
			Where("namespace = ?", ns).
			Update("run_count", gorm.Expr("run_count + ?", 1)).Error
		if err != nil {
			return err
		}
		return tx.Model(&core.RelayState{}).Where("namespace = ?", ns).Select("run_count").Scan(&n).Error
	})
	return n, err
}

// NextSequence returns the next run number for a description hash, starting at 1.
func (s *GormStore) NextSequence(ctx context.Context, ns, hash string) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&core.Sequence{Namespace: ns, Hash: hash}).Error
		if err != nil {
			return err
		}
		err = tx.Model(&core.Sequence{}).
			Where("namespace = ? AND hash = ?", ns, hash).
			Update("value", gorm.Expr("value + ?", 1)).Error
		if err != nil {
			return err
		}
		return tx.Model(&core.Sequence{}).Where("namespace = ? AND hash = ?", ns, hash).Select("value").Scan(&n).Error
	})
	return n, err
}

// ────────────────────────────────────────────────────────────────────────────
// Maintenance
// ────────────────────────────────────────────────────────────────────────────

// Prune hard-deletes tombstones deleted before olderThan.
func (s *GormStore) Prune(ctx context.Context, ns string, olderThan time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().
		Where("namespace = ? AND deleted_at IS NOT NULL AND deleted_at < ?", ns, olderThan).
		Delete(&core.JobRecord{})
	return result.RowsAffected, result.Error
}

// Clear removes every job in the namespace, tombstones included.
func (s *GormStore) Clear(ctx context.Context, ns string) (before, after int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Unscoped().Model(&core.JobRecord{}).Where("namespace = ?", ns).Count(&before).Error; err != nil {
		return 0, 0, err
	}
	if err = db.Unscoped().Where("namespace = ?", ns).Delete(&core.JobRecord{}).Error; err != nil {
		return before, before, err
	}
	if err = db.Unscoped().Model(&core.JobRecord{}).Where("namespace = ?", ns).Count(&after).Error; err != nil {
		return before, 0, err
	}
	return before, after, nil
}

// Namespaces lists namespaces that have state or jobs.
func (s *GormStore) Namespaces(ctx context.Context) ([]string, error) {
	db := s.db.WithContext(ctx)
	var fromState, fromJobs []string
	if err := db.Model(&core.RelayState{}).Pluck("namespace", &fromState).Error; err != nil {
		return nil, err
	}
	if err := db.Unscoped().Model(&core.JobRecord{}).Distinct().Pluck("namespace", &fromJobs).Error; err != nil {
		return nil, err
	}
	return mergeNames(fromState, fromJobs), nil
}

func mergeNames(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, n := range l {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

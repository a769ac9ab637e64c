package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/job-relay/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(1)

		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// openSharedTestDB opens a database that serves several connections at once,
// so concurrent lock holders are not serialized by the pool.
func openSharedTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") != "" {
		return openTestDB(t)
	}
	dsn := "file:" + filepath.Join(t.TempDir(), "relay.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open file sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(4)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"event_records", "sequences", "relay_states", "job_records"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGormStore(t *testing.T) *GormStore {
	t.Helper()
	s := NewGormStore(openTestDB(t))
	s.SetLogger(quietLogger())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.SetLogger(quietLogger())
	return s
}

// forEachStore runs fn against every QueueStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s core.QueueStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemoryStore(t)) })
	t.Run("gorm", func(t *testing.T) { fn(t, newTestGormStore(t)) })
}

// forEachSharedStore is forEachStore with a gorm store that allows
// concurrent connections.
func forEachSharedStore(t *testing.T, fn func(t *testing.T, s core.QueueStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemoryStore(t)) })
	t.Run("gorm", func(t *testing.T) {
		s := NewGormStore(openSharedTestDB(t))
		s.SetLogger(quietLogger())
		require.NoError(t, s.Migrate(context.Background()))
		fn(t, s)
	})
}

func newTestJob(id string) *core.JobRecord {
	return &core.JobRecord{
		ID:       id,
		Kind:     core.KindWrite,
		FilePath: "./sandbox/" + id + ".txt",
		Content:  "content of " + id,
	}
}

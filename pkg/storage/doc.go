// Package storage provides QueueStore implementations for the relay packages.
//
// GormStore persists jobs, relay state, the event log and id sequences with
// GORM on SQLite or PostgreSQL. MemoryStore keeps the same data in process.
// Both enforce the advisory state lock: writers other than the holder are
// rejected with core.ErrLockRejected unless a single-use override was granted
// through BreakLock.
//
// Use Open to connect by DSN. A DSN starting with postgres:// or containing
// host= selects PostgreSQL, anything else is a SQLite path.
package storage

// Package store is the SQLite record store for slotwatch: credentials,
// applicants, discovered appointment slots, system logs, and the singleton
// system configuration. Slot and log tables are append-only; the engine
// mutates credentials only through RecordAttempt.
package store

import (
	"database/sql"

	"github.com/slotwatch/slotwatch/idgen"
)

// Store wraps a *sql.DB with slotwatch queries. Safe for concurrent use;
// serialisation of engine-side counter writes is the monitor loop's job.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
	onLog func(*LogEntry)
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the default record ID generator (tests).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogObserver registers a callback invoked after every successfully
// appended log line. Used to fan log lines out to live stream clients.
// The callback must not block.
func WithLogObserver(fn func(*LogEntry)) Option {
	return func(s *Store) { s.onLog = fn }
}

// NewStore creates a Store. Call ApplySchema before first use.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *Store) DB() *sql.DB { return s.db }

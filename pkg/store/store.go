// Package store implements SQL persistence for submissions, approval
// steps, submission runs, and the transactional outbox that decouples
// notification and automation dispatch from the workflow transaction.
//
// All mutating workflow operations run through Store.Tx: short-lived
// transactions whose lock-contention failures surface as conflict errors
// so callers can retry. Works on Postgres (lib/pq) and SQLite
// (modernc.org/sqlite); both accept $N placeholders.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pursuitworks/govern/pkg/contracts"
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// LockTimeout bounds how long a mutating transaction may wait on a row
// lock before the caller gets a retryable conflict.
const LockTimeout = 3 * time.Second

// Store wraps the shared database handle.
type Store struct {
	db *sql.DB
}

// New creates a store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	estimated_value REAL NOT NULL DEFAULT 0,
	category TEXT NOT NULL DEFAULT '',
	due_date TIMESTAMP,
	status TEXT NOT NULL,
	generation INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_steps (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	generation INTEGER NOT NULL,
	name TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	approver_role TEXT NOT NULL,
	approver_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	decided_by TEXT NOT NULL DEFAULT '',
	decided_at TIMESTAMP,
	notes TEXT NOT NULL DEFAULT '',
	escalated_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (submission_id, generation, order_index)
);

CREATE TABLE IF NOT EXISTS submission_runs (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	status TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	dispatched_at TIMESTAMP
);
`

// Init creates the workflow schema. The audit ledger owns its own table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: schema init failed: %w", err)
	}
	return nil
}

// Tx runs fn inside a short-lived transaction. A lost lock race, a busy
// database, or a unique-constraint collision is mapped to the conflict
// taxonomy so callers can safely retry.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyTxErr(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classifyTxErr(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyTxErr(err)
	}
	return nil
}

func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}
	// Already classified by the workflow or a store helper.
	if errors.Is(err, contracts.ErrValidation) || errors.Is(err, contracts.ErrConflict) ||
		errors.Is(err, contracts.ErrPolicyViolation) || errors.Is(err, contracts.ErrNotFound) ||
		errors.Is(err, contracts.ErrIntegrity) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.Conflictf("lock wait exceeded %s", LockTimeout)
	}
	if isLockContention(err) {
		return contracts.Conflictf("database busy: %v", err)
	}
	return err
}

// isLockContention classifies driver-specific contention errors:
// Postgres lock_not_available / serialization_failure / deadlock, and
// SQLite busy/locked.
func isLockContention(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40001", "40P01":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
)

// DBTX is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx, so appends can run inside the workflow engine's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLLedger implements Ledger over database/sql. It works on both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); both accept the $N
// placeholder form.
//
// The schema deliberately has no UPDATE or DELETE path: this package
// never issues either statement against audit_entries, and the unique
// (submission_id, seq) constraint arbitrates concurrent appends instead
// of a read-modify-write cycle.
type SQLLedger struct {
	q       DBTX
	keyring *crypto.MACKeyring
	clock   func() time.Time
}

// NewSQLLedger creates a ledger over a database handle.
func NewSQLLedger(db DBTX, keyring *crypto.MACKeyring) *SQLLedger {
	return &SQLLedger{q: db, keyring: keyring, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

// WithTx returns a view of the ledger bound to an open transaction, so
// an append commits or rolls back together with the state mutation that
// produced it.
func (l *SQLLedger) WithTx(tx *sql.Tx) *SQLLedger {
	return &SQLLedger{q: tx, keyring: l.keyring, clock: l.clock}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts TIMESTAMP NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	digest TEXT NOT NULL,
	prior_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	evidence_refs TEXT NOT NULL DEFAULT '[]',
	compensates_seq INTEGER NOT NULL DEFAULT 0,
	UNIQUE (submission_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_submission
	ON audit_entries (submission_id, seq);
`

// Init creates the ledger schema.
func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.q.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("ledger: schema init failed: %w", err)
	}
	return nil
}

const ledgerColumns = `entry_id, submission_id, seq, ts, actor, action, payload, digest, prior_hash, signature, key_version, evidence_refs, compensates_seq`

// Append creates the next entry in the submission's chain. A concurrent
// append that wins the (submission_id, seq) constraint race surfaces to
// the loser as a conflict error.
func (l *SQLLedger) Append(ctx context.Context, req AppendRequest) (*contracts.AuditEntry, error) {
	head, err := l.head(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}

	entry, err := buildEntry(l.keyring, l.clock, head, req)
	if err != nil {
		return nil, err
	}

	refs, err := json.Marshal(entry.EvidenceRefs)
	if err != nil {
		return nil, fmt.Errorf("ledger: evidence refs encoding failed: %w", err)
	}

	query := `INSERT INTO audit_entries (` + ledgerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = l.q.ExecContext(ctx, query,
		entry.EntryID, entry.SubmissionID, entry.Sequence,
		entry.Timestamp.Format(time.RFC3339Nano), entry.Actor, string(entry.Action),
		string(entry.Payload), entry.Digest, entry.PriorHash, entry.Signature,
		entry.KeyVersion, string(refs), entry.CompensatesSeq,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, contracts.Conflictf("concurrent append to chain %s at sequence %d", req.SubmissionID, entry.Sequence)
		}
		return nil, fmt.Errorf("ledger: insert failed: %w", err)
	}
	return entry, nil
}

func (l *SQLLedger) head(ctx context.Context, submissionID string) (chainHead, error) {
	query := `SELECT seq, signature FROM audit_entries WHERE submission_id = $1 ORDER BY seq DESC LIMIT 1`
	row := l.q.QueryRowContext(ctx, query, submissionID)

	var head chainHead
	if err := row.Scan(&head.sequence, &head.signature); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return genesisHead(), nil
		}
		return chainHead{}, fmt.Errorf("ledger: head read failed: %w", err)
	}
	return head, nil
}

// Entries returns the submission's chain in sequence order.
func (l *SQLLedger) Entries(ctx context.Context, submissionID string) ([]contracts.AuditEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM audit_entries WHERE submission_id = $1 ORDER BY seq ASC`
	rows, err := l.q.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: entries query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]contracts.AuditEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: entries scan failed: %w", err)
	}
	return entries, nil
}

// Entry returns one entry by ID.
func (l *SQLLedger) Entry(ctx context.Context, entryID string) (*contracts.AuditEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM audit_entries WHERE entry_id = $1`
	rows, err := l.q.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, fmt.Errorf("ledger: entry query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("ledger: entry scan failed: %w", err)
		}
		return nil, contracts.NotFoundf("audit entry %s", entryID)
	}
	return scanEntry(rows)
}

// VerifyEntry recomputes digest and signature from stored content.
func (l *SQLLedger) VerifyEntry(entry *contracts.AuditEntry) (bool, string) {
	return verifyEntry(l.keyring, entry)
}

// VerifyChain walks the chain and localizes the first broken link.
func (l *SQLLedger) VerifyChain(ctx context.Context, submissionID string) (ChainReport, error) {
	entries, err := l.Entries(ctx, submissionID)
	if err != nil {
		return ChainReport{}, err
	}
	return verifyChain(l.keyring, submissionID, entries), nil
}

// Export returns the chain with per-entry verification status.
func (l *SQLLedger) Export(ctx context.Context, submissionID string) ([]VerifiedEntry, error) {
	entries, err := l.Entries(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return exportEntries(l.keyring, entries), nil
}

func scanEntry(rows *sql.Rows) (*contracts.AuditEntry, error) {
	var (
		entry   contracts.AuditEntry
		ts      string
		action  string
		payload string
		refs    string
	)
	err := rows.Scan(&entry.EntryID, &entry.SubmissionID, &entry.Sequence, &ts,
		&entry.Actor, &action, &payload, &entry.Digest, &entry.PriorHash,
		&entry.Signature, &entry.KeyVersion, &refs, &entry.CompensatesSeq)
	if err != nil {
		return nil, fmt.Errorf("ledger: row scan failed: %w", err)
	}

	entry.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("ledger: corrupt timestamp in entry %s: %w", entry.EntryID, err)
	}
	entry.Action = contracts.AuditAction(action)
	entry.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(refs), &entry.EvidenceRefs); err != nil {
		return nil, fmt.Errorf("ledger: corrupt evidence refs in entry %s: %w", entry.EntryID, err)
	}
	return &entry, nil
}

// isUniqueViolation classifies driver-specific unique constraint errors.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports constraint failures by message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

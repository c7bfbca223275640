package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pursuitworks/govern/pkg/contracts"
)

const runColumns = `id, submission_id, status, triggered_by, detail, created_at, completed_at`

// InsertRun records an automation execution handed off at finalize.
func (s *Store) InsertRun(ctx context.Context, q DBTX, run *contracts.SubmissionRun) error {
	query := `INSERT INTO submission_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.ExecContext(ctx, query,
		run.ID, run.SubmissionID, string(run.Status), run.TriggeredBy,
		run.Detail, formatTime(run.CreatedAt), nullableTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: run insert failed: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, q DBTX, id string) (*contracts.SubmissionRun, error) {
	query := `SELECT ` + runColumns + ` FROM submission_runs WHERE id = $1`
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("store: run query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: run scan failed: %w", err)
		}
		return nil, contracts.NotFoundf("submission run %s", id)
	}
	return scanRun(rows)
}

// CompleteRun moves a run out of its current status. The status guard
// keeps duplicate executor callbacks idempotent.
func (s *Store) CompleteRun(ctx context.Context, q DBTX, id string, from, to contracts.RunStatus, detail string, at time.Time) error {
	query := `UPDATE submission_runs SET status = $1, detail = $2, completed_at = $3
		WHERE id = $4 AND status = $5`
	res, err := q.ExecContext(ctx, query, string(to), detail, formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("store: run completion failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected check failed: %w", err)
	}
	if affected == 0 {
		return contracts.Conflictf("run %s is no longer %s", id, from)
	}
	return nil
}

func scanRun(rows *sql.Rows) (*contracts.SubmissionRun, error) {
	var (
		run       contracts.SubmissionRun
		status    string
		created   string
		completed sql.NullString
	)
	err := rows.Scan(&run.ID, &run.SubmissionID, &status, &run.TriggeredBy,
		&run.Detail, &created, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: run scan failed: %w", err)
	}

	run.Status = contracts.RunStatus(status)
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at for run %s: %w", run.ID, err)
	}
	if run.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("store: corrupt completed_at for run %s: %w", run.ID, err)
	}
	return &run, nil
}

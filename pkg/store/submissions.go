package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pursuitworks/govern/pkg/contracts"
)

const submissionColumns = `id, opportunity_id, owner_id, title, estimated_value, category, due_date, status, generation, created_at, updated_at`

// CreateSubmission inserts a new draft submission.
func (s *Store) CreateSubmission(ctx context.Context, q DBTX, sub *contracts.Submission) error {
	query := `INSERT INTO submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := q.ExecContext(ctx, query,
		sub.ID, sub.OpportunityID, sub.OwnerID, sub.Title, sub.EstimatedValue,
		sub.Category, formatTime(sub.DueDate), string(sub.Status), sub.Generation,
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: submission insert failed: %w", err)
	}
	return nil
}

// GetSubmission loads one submission.
func (s *Store) GetSubmission(ctx context.Context, q DBTX, id string) (*contracts.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	row := q.QueryRowContext(ctx, query, id)

	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.NotFoundf("submission %s", id)
		}
		return nil, err
	}
	return sub, nil
}

// ListSubmissions returns submissions, optionally filtered by status,
// newest first.
func (s *Store) ListSubmissions(ctx context.Context, q DBTX, status contracts.SubmissionStatus, limit int) ([]contracts.Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if status != "" {
		query = `SELECT ` + submissionColumns + ` FROM submissions WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = []any{string(status), limit}
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: submissions query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: submissions scan failed: %w", err)
	}
	return out, nil
}

// TransitionSubmission moves a submission from an expected status to the
// next one, optionally bumping the generation. The expected-status guard
// makes the update race-safe: the loser of two concurrent transitions
// matches zero rows and gets a conflict.
func (s *Store) TransitionSubmission(ctx context.Context, q DBTX, id string, from, to contracts.SubmissionStatus, generation int, now time.Time) error {
	query := `UPDATE submissions SET status = $1, generation = $2, updated_at = $3 WHERE id = $4 AND status = $5`
	res, err := q.ExecContext(ctx, query, string(to), generation, formatTime(now), id, string(from))
	if err != nil {
		return fmt.Errorf("store: submission transition failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected check failed: %w", err)
	}
	if affected == 0 {
		return contracts.Conflictf("submission %s is no longer %s", id, from)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*contracts.Submission, error) {
	var (
		sub     contracts.Submission
		status  string
		due     sql.NullString
		created string
		updated string
	)
	err := row.Scan(&sub.ID, &sub.OpportunityID, &sub.OwnerID, &sub.Title,
		&sub.EstimatedValue, &sub.Category, &due, &status, &sub.Generation,
		&created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: submission scan failed: %w", err)
	}

	sub.Status = contracts.SubmissionStatus(status)
	if due.Valid && due.String != "" {
		if sub.DueDate, err = parseTime(due.String); err != nil {
			return nil, fmt.Errorf("store: corrupt due_date for %s: %w", sub.ID, err)
		}
	}
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at for %s: %w", sub.ID, err)
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at for %s: %w", sub.ID, err)
	}
	return &sub, nil
}

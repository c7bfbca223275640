package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pursuitworks/govern/pkg/contracts"
)

const stepColumns = `id, submission_id, generation, name, order_index, approver_role, approver_id, status, decided_by, decided_at, notes, escalated_at, created_at`

// InsertSteps creates a full step generation atomically (callers run it
// inside the requestApproval transaction).
func (s *Store) InsertSteps(ctx context.Context, q DBTX, steps []contracts.ApprovalStep) error {
	query := `INSERT INTO approval_steps (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	for i := range steps {
		step := &steps[i]
		_, err := q.ExecContext(ctx, query,
			step.ID, step.SubmissionID, step.Generation, step.Name, step.OrderIndex,
			string(step.ApproverRole), step.ApproverID, string(step.Status),
			step.DecidedBy, nullableTime(step.DecidedAt), step.Notes,
			nullableTime(step.EscalatedAt), formatTime(step.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: step insert failed for %s: %w", step.Name, err)
		}
	}
	return nil
}

// ActiveSteps returns the steps of the submission's current generation
// in chain order.
func (s *Store) ActiveSteps(ctx context.Context, q DBTX, submissionID string, generation int) ([]contracts.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps
		WHERE submission_id = $1 AND generation = $2 ORDER BY order_index ASC`
	return s.querySteps(ctx, q, query, submissionID, generation)
}

// StepHistory returns every generation's steps for audit queries, oldest
// generation first.
func (s *Store) StepHistory(ctx context.Context, q DBTX, submissionID string) ([]contracts.ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps
		WHERE submission_id = $1 ORDER BY generation ASC, order_index ASC`
	return s.querySteps(ctx, q, query, submissionID)
}

// DecideStep records a decision on a still-pending step. The status
// guard means a concurrent decision on the same step loses with a
// conflict instead of silently overwriting the winner.
func (s *Store) DecideStep(ctx context.Context, q DBTX, stepID string, status contracts.StepStatus, decidedBy, notes string, at time.Time) error {
	query := `UPDATE approval_steps SET status = $1, decided_by = $2, decided_at = $3, notes = $4
		WHERE id = $5 AND status = $6`
	res, err := q.ExecContext(ctx, query, string(status), decidedBy, formatTime(at), notes, stepID, string(contracts.StepPending))
	if err != nil {
		return fmt.Errorf("store: step decision failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected check failed: %w", err)
	}
	if affected == 0 {
		return contracts.Conflictf("step %s was already decided", stepID)
	}
	return nil
}

// MarkEscalated stamps a pending step as escalated. It is idempotent:
// re-running on an already-escalated step matches zero rows and reports
// false without error.
func (s *Store) MarkEscalated(ctx context.Context, q DBTX, stepID string, at time.Time) (bool, error) {
	query := `UPDATE approval_steps SET escalated_at = $1
		WHERE id = $2 AND status = $3 AND escalated_at IS NULL`
	res, err := q.ExecContext(ctx, query, formatTime(at), stepID, string(contracts.StepPending))
	if err != nil {
		return false, fmt.Errorf("store: escalation mark failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected check failed: %w", err)
	}
	return affected > 0, nil
}

// SkipPendingSteps closes every still-pending step of a generation,
// used when a submission is withdrawn from approval. Returns how many
// steps were closed.
func (s *Store) SkipPendingSteps(ctx context.Context, q DBTX, submissionID string, generation int, at time.Time) (int, error) {
	query := `UPDATE approval_steps SET status = $1, decided_at = $2
		WHERE submission_id = $3 AND generation = $4 AND status = $5`
	res, err := q.ExecContext(ctx, query,
		string(contracts.StepSkipped), formatTime(at), submissionID, generation, string(contracts.StepPending))
	if err != nil {
		return 0, fmt.Errorf("store: step skip failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected check failed: %w", err)
	}
	return int(affected), nil
}

// OverdueSteps returns, for every submission still awaiting approval,
// the chain's lowest-order pending step when it was created at or
// before the cutoff. Only that step is the chain's active one; later
// pending steps are not yet anyone's turn. Already-escalated steps are
// included so the caller can distinguish "nothing overdue" from
// "overdue but already handled".
func (s *Store) OverdueSteps(ctx context.Context, q DBTX, cutoff time.Time) ([]contracts.ApprovalStep, error) {
	query := `SELECT s.id, s.submission_id, s.generation, s.name, s.order_index, s.approver_role,
			s.approver_id, s.status, s.decided_by, s.decided_at, s.notes, s.escalated_at, s.created_at
		FROM approval_steps s
		JOIN submissions sub ON sub.id = s.submission_id AND sub.generation = s.generation
		WHERE s.status = $1 AND s.created_at <= $2 AND sub.status = $3
			AND s.order_index = (
				SELECT MIN(o.order_index) FROM approval_steps o
				WHERE o.submission_id = s.submission_id AND o.generation = s.generation AND o.status = $4
			)
		ORDER BY s.submission_id ASC`
	return s.querySteps(ctx, q, query,
		string(contracts.StepPending), formatTime(cutoff),
		string(contracts.StatusPendingApproval), string(contracts.StepPending))
}

func (s *Store) querySteps(ctx context.Context, q DBTX, query string, args ...any) ([]contracts.ApprovalStep, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: steps query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := make([]contracts.ApprovalStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: steps scan failed: %w", err)
	}
	return steps, nil
}

func scanStep(rows *sql.Rows) (*contracts.ApprovalStep, error) {
	var (
		step      contracts.ApprovalStep
		role      string
		status    string
		decided   sql.NullString
		escalated sql.NullString
		created   string
	)
	err := rows.Scan(&step.ID, &step.SubmissionID, &step.Generation, &step.Name,
		&step.OrderIndex, &role, &step.ApproverID, &status, &step.DecidedBy,
		&decided, &step.Notes, &escalated, &created)
	if err != nil {
		return nil, fmt.Errorf("store: step scan failed: %w", err)
	}

	step.ApproverRole = contracts.Role(role)
	step.Status = contracts.StepStatus(status)
	if step.DecidedAt, err = parseNullTime(decided); err != nil {
		return nil, fmt.Errorf("store: corrupt decided_at for step %s: %w", step.ID, err)
	}
	if step.EscalatedAt, err = parseNullTime(escalated); err != nil {
		return nil, fmt.Errorf("store: corrupt escalated_at for step %s: %w", step.ID, err)
	}
	if step.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at for step %s: %w", step.ID, err)
	}
	return &step, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

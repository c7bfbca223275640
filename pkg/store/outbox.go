package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxKind routes a message to its dispatcher.
type OutboxKind string

const (
	OutboxNotification OutboxKind = "notification"
	OutboxAutomation   OutboxKind = "automation"
)

// Outbox message statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxMessage is one asynchronous side effect recorded inside the
// workflow transaction and dispatched only after it commits. A failed
// dispatch is retried independently and never unwinds the committed
// workflow state.
type OutboxMessage struct {
	ID           string          `json:"id"`
	Kind         OutboxKind      `json:"kind"`
	SubmissionID string          `json:"submission_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// Enqueue writes a message inside the caller's transaction.
func (s *Store) Enqueue(ctx context.Context, q DBTX, msg *OutboxMessage) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("store: outbox payload encoding failed: %w", err)
	}

	query := `INSERT INTO outbox (id, kind, submission_id, payload, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = q.ExecContext(ctx, query,
		msg.ID, string(msg.Kind), msg.SubmissionID, string(payload),
		OutboxPending, 0, "", formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: outbox insert failed: %w", err)
	}
	return nil
}

// PendingOutbox returns undispatched messages, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, kind, submission_id, payload, status, attempts, last_error, created_at, dispatched_at
		FROM outbox WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("store: outbox query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]OutboxMessage, 0)
	for rows.Next() {
		var (
			msg        OutboxMessage
			kind       string
			payload    string
			created    string
			dispatched sql.NullString
		)
		if err := rows.Scan(&msg.ID, &kind, &msg.SubmissionID, &payload, &msg.Status,
			&msg.Attempts, &msg.LastError, &created, &dispatched); err != nil {
			return nil, fmt.Errorf("store: outbox scan failed: %w", err)
		}
		msg.Kind = OutboxKind(kind)
		msg.Payload = json.RawMessage(payload)
		if msg.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("store: corrupt created_at for outbox %s: %w", msg.ID, err)
		}
		if msg.DispatchedAt, err = parseNullTime(dispatched); err != nil {
			return nil, fmt.Errorf("store: corrupt dispatched_at for outbox %s: %w", msg.ID, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: outbox scan failed: %w", err)
	}
	return out, nil
}

// MarkDispatched finalizes a sent message.
func (s *Store) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE outbox SET status = $1, dispatched_at = $2 WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, query, OutboxSent, formatTime(at), id); err != nil {
		return fmt.Errorf("store: outbox dispatch mark failed: %w", err)
	}
	return nil
}

// RecordDispatchFailure bumps the attempt count; after maxAttempts the
// message parks as failed for operator attention.
func (s *Store) RecordDispatchFailure(ctx context.Context, id string, attempts, maxAttempts int, lastErr string) error {
	status := OutboxPending
	if attempts >= maxAttempts {
		status = OutboxFailed
	}
	query := `UPDATE outbox SET attempts = $1, last_error = $2, status = $3 WHERE id = $4`
	if _, err := s.db.ExecContext(ctx, query, attempts, lastErr, status, id); err != nil {
		return fmt.Errorf("store: outbox failure mark failed: %w", err)
	}
	return nil
}

// NotificationPayload is the message body for approval notifications.
type NotificationPayload struct {
	SubmissionID string `json:"submission_id"`
	StepName     string `json:"step_name"`
	ApproverID   string `json:"approver_id"`
	Kind         string `json:"kind"`
}

// AutomationPayload is the message body for automation triggers.
type AutomationPayload struct {
	SubmissionID string `json:"submission_id"`
	RunID        string `json:"run_id"`
}

// EnqueueNotification records a notification side effect in the caller's
// transaction.
func (s *Store) EnqueueNotification(ctx context.Context, q DBTX, id string, p NotificationPayload, now time.Time) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: notification payload encoding failed: %w", err)
	}
	return s.Enqueue(ctx, q, &OutboxMessage{
		ID:           id,
		Kind:         OutboxNotification,
		SubmissionID: p.SubmissionID,
		Payload:      body,
		CreatedAt:    now,
	})
}

// EnqueueAutomation records an automation trigger in the caller's
// transaction.
func (s *Store) EnqueueAutomation(ctx context.Context, q DBTX, id string, p AutomationPayload, now time.Time) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: automation payload encoding failed: %w", err)
	}
	return s.Enqueue(ctx, q, &OutboxMessage{
		ID:           id,
		Kind:         OutboxAutomation,
		SubmissionID: p.SubmissionID,
		Payload:      body,
		CreatedAt:    now,
	})
}

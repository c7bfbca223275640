// Package coordinator runs the supporting processes around the workflow
// engine: approver assignment, the SLA sweep that escalates stale
// approval steps, and the outbox dispatcher that delivers notifications
// and automation triggers after their workflow transaction commits.
package coordinator

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/observability"
	"github.com/pursuitworks/govern/pkg/store"
)

// Directory maps approver roles to people. It is loaded from
// configuration and satisfies the engine's assigner dependency.
type Directory struct {
	byRole map[contracts.Role]string
}

// NewDirectory builds a role directory.
func NewDirectory(byRole map[contracts.Role]string) *Directory {
	return &Directory{byRole: byRole}
}

// Assign resolves the approver for a chain step by its role. An unknown
// role leaves the step assigned to the role itself.
func (d *Directory) Assign(step contracts.ChainStep) string {
	if d == nil {
		return ""
	}
	return d.byRole[step.ApproverRole]
}

// Coordinator escalates approval steps that have waited past the SLA.
type Coordinator struct {
	store   *store.Store
	ledger  *ledger.SQLLedger
	sla     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
}

// NewCoordinator builds the SLA coordinator. sla is how long a pending
// step may wait before its approver is escalated.
func NewCoordinator(st *store.Store, led *ledger.SQLLedger, sla time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   st,
		ledger:  led,
		sla:     sla,
		metrics: metrics,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// SweepOverdue escalates the lowest pending step of every chain that
// has been waiting longer than the SLA. Escalation is idempotent: a
// step already stamped is skipped, so concurrent sweeps do not produce
// duplicate audit entries.
func (c *Coordinator) SweepOverdue(ctx context.Context) (int, error) {
	now := c.clock().UTC()
	cutoff := now.Add(-c.sla)

	overdue, err := c.store.OverdueSteps(ctx, c.store.DB(), cutoff)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for i := range overdue {
		step := overdue[i]
		// The store returns one row per chain: its active step. A set
		// escalation stamp means an earlier sweep already handled it.
		if step.EscalatedAt != nil {
			continue
		}

		ok, err := c.escalate(ctx, &step, now)
		if err != nil {
			c.logger.Error("escalation failed",
				"submission_id", step.SubmissionID, "step", step.Name, "error", err)
			continue
		}
		if ok {
			escalated++
			c.metrics.Escalation(ctx, step.Name)
		}
	}
	if escalated > 0 {
		c.logger.Info("sla sweep escalated steps", "count", escalated)
	}
	return escalated, nil
}

func (c *Coordinator) escalate(ctx context.Context, step *contracts.ApprovalStep, now time.Time) (bool, error) {
	stamped := false
	err := c.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		stamped, err = c.store.MarkEscalated(ctx, tx, step.ID, now)
		if err != nil || !stamped {
			return err
		}

		_, err = c.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: step.SubmissionID,
			Actor:        contracts.ActorCoordinator,
			Action:       contracts.ActionEscalated,
			Payload: map[string]any{
				"step":        step.Name,
				"approver_id": step.ApproverID,
				"waited":      now.Sub(step.CreatedAt).String(),
			},
		})
		if err != nil {
			return err
		}

		return c.store.EnqueueNotification(ctx, tx, uuid.New().String(), store.NotificationPayload{
			SubmissionID: step.SubmissionID,
			StepName:     step.Name,
			ApproverID:   step.ApproverID,
			Kind:         "escalated",
		}, now)
	})
	return stamped, err
}

// Run sweeps on the interval until the context is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.SweepOverdue(ctx); err != nil {
				c.logger.Error("sla sweep failed", "error", err)
			}
		}
	}
}

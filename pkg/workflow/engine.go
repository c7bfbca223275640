// Package workflow implements the submission approval state machine:
// draft, pending approval, complete, submitted, rejected. Every accepted
// transition is recorded in the tamper-evident audit ledger inside the
// same transaction that mutates workflow state, so the ledger and the
// relational state can never drift apart.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/observability"
	"github.com/pursuitworks/govern/pkg/policy"
	"github.com/pursuitworks/govern/pkg/store"
)

// QualificationEngine supplies the pre-computed qualification score for
// an opportunity. Scores are produced upstream of the workflow; the
// engine only reads them.
type QualificationEngine interface {
	Score(ctx context.Context, opportunityID string) (float64, error)
}

// Assigner resolves the human approver for a chain step at the moment
// the chain is created. An empty result leaves the step assigned to its
// role rather than a person.
type Assigner interface {
	Assign(step contracts.ChainStep) string
}

// Actor is the authenticated principal performing a workflow operation.
type Actor struct {
	ID    string
	Roles []contracts.Role
}

// HasRole reports whether the actor carries the role. Admins pass every
// role check.
func (a Actor) HasRole(role contracts.Role) bool {
	for _, r := range a.Roles {
		if r == role || r == contracts.RoleAdmin {
			return true
		}
	}
	return false
}

// Params collects the engine's collaborators. Policy and Template are
// injected by the caller per engine instance; the engine never reads
// ambient configuration.
type Params struct {
	Store         *store.Store
	Ledger        *ledger.SQLLedger
	Evaluator     *policy.Evaluator
	Qualification QualificationEngine
	Assigner      Assigner
	Policy        contracts.AutonomyPolicy
	Template      contracts.ChainTemplate
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Engine drives all submission state transitions. It is the only writer
// of submission status; readers go through its query methods or the
// store directly.
type Engine struct {
	store         *store.Store
	ledger        *ledger.SQLLedger
	evaluator     *policy.Evaluator
	qualification QualificationEngine
	assigner      Assigner
	policy        contracts.AutonomyPolicy
	template      contracts.ChainTemplate
	metrics       *observability.Metrics
	logger        *slog.Logger
	clock         func() time.Time
}

// NewEngine validates the collaborator set and builds an engine.
func NewEngine(p Params) (*Engine, error) {
	if p.Store == nil {
		return nil, errors.New("workflow: store is required")
	}
	if p.Ledger == nil {
		return nil, errors.New("workflow: ledger is required")
	}
	if p.Evaluator == nil {
		return nil, errors.New("workflow: policy evaluator is required")
	}
	if len(p.Template.Steps) == 0 {
		return nil, errors.New("workflow: approval chain template has no steps")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         p.Store,
		ledger:        p.Ledger,
		evaluator:     p.Evaluator,
		qualification: p.Qualification,
		assigner:      p.Assigner,
		policy:        p.Policy,
		template:      p.Template,
		metrics:       p.Metrics,
		logger:        logger,
		clock:         time.Now,
	}, nil
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// trackConflict counts a lost race on the conflict metric before the
// error surfaces to the caller.
func (e *Engine) trackConflict(ctx context.Context, operation string, err error) error {
	if errors.Is(err, contracts.ErrConflict) {
		e.metrics.Conflict(ctx, operation)
	}
	return err
}

// DraftRequest creates a new submission workspace.
type DraftRequest struct {
	OpportunityID  string
	OwnerID        string
	Title          string
	EstimatedValue float64
	Category       string
	DueDate        time.Time
}

// CreateDraft opens a new submission in draft. The audit chain for the
// submission starts with its first approval-related action.
func (e *Engine) CreateDraft(ctx context.Context, req DraftRequest) (*contracts.Submission, error) {
	if req.OpportunityID == "" {
		return nil, contracts.Validationf("opportunity_id is required")
	}
	if req.OwnerID == "" {
		return nil, contracts.Validationf("owner_id is required")
	}
	if req.Title == "" {
		return nil, contracts.Validationf("title is required")
	}
	if req.EstimatedValue < 0 {
		return nil, contracts.Validationf("estimated_value must not be negative")
	}

	now := e.clock().UTC()
	sub := &contracts.Submission{
		ID:             uuid.New().String(),
		OpportunityID:  req.OpportunityID,
		OwnerID:        req.OwnerID,
		Title:          req.Title,
		EstimatedValue: req.EstimatedValue,
		Category:       req.Category,
		DueDate:        req.DueDate,
		Status:         contracts.StatusDraft,
		Generation:     0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		return e.store.CreateSubmission(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("submission drafted", "submission_id", sub.ID, "owner_id", sub.OwnerID)
	return sub, nil
}

// Submission loads a submission with its active approval chain.
func (e *Engine) Submission(ctx context.Context, id string) (*contracts.Submission, []contracts.ApprovalStep, error) {
	sub, err := e.store.GetSubmission(ctx, e.store.DB(), id)
	if err != nil {
		return nil, nil, err
	}
	if sub.Status != contracts.StatusPendingApproval {
		return sub, nil, nil
	}
	steps, err := e.store.ActiveSteps(ctx, e.store.DB(), id, sub.Generation)
	if err != nil {
		return nil, nil, err
	}
	return sub, steps, nil
}

// ListSubmissions returns submissions newest first, optionally filtered
// by status. An unknown status simply matches nothing.
func (e *Engine) ListSubmissions(ctx context.Context, status contracts.SubmissionStatus, limit int) ([]contracts.Submission, error) {
	return e.store.ListSubmissions(ctx, e.store.DB(), status, limit)
}

// StepHistory returns every approval step across all generations,
// including chains closed by withdrawal.
func (e *Engine) StepHistory(ctx context.Context, id string) ([]contracts.ApprovalStep, error) {
	return e.store.StepHistory(ctx, e.store.DB(), id)
}

// AuditTrail returns the submission's chain with per-entry verification
// results.
func (e *Engine) AuditTrail(ctx context.Context, submissionID string) ([]ledger.VerifiedEntry, error) {
	return e.ledger.Export(ctx, submissionID)
}

// VerifyChain re-verifies the submission's full chain.
func (e *Engine) VerifyChain(ctx context.Context, submissionID string) (ledger.ChainReport, error) {
	report, err := e.ledger.VerifyChain(ctx, submissionID)
	if err != nil {
		return report, err
	}
	if !report.Valid {
		e.metrics.IntegrityFailure(ctx, submissionID)
		e.logger.Error("audit chain verification failed",
			"submission_id", submissionID,
			"broken_at", report.BrokenAtSequence,
			"reason", report.Reason)
	}
	return report, nil
}

// VerifyEntry re-verifies a single entry by id.
func (e *Engine) VerifyEntry(ctx context.Context, entryID string) (*ledger.VerifiedEntry, error) {
	entry, err := e.ledger.Entry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	valid, reason := e.ledger.VerifyEntry(entry)
	if !valid {
		e.metrics.IntegrityFailure(ctx, entry.SubmissionID)
	}
	return &ledger.VerifiedEntry{Entry: *entry, Valid: valid, Reason: reason}, nil
}

package workflow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/observability"
	"github.com/pursuitworks/govern/pkg/policy"
	"github.com/pursuitworks/govern/pkg/store"
)

type staticScores map[string]float64

func (s staticScores) Score(_ context.Context, opportunityID string) (float64, error) {
	return s[opportunityID], nil
}

type roleAssigner map[contracts.Role]string

func (r roleAssigner) Assign(step contracts.ChainStep) string {
	return r[step.ApproverRole]
}

var (
	officer = Actor{ID: "officer-1", Roles: []contracts.Role{contracts.RoleContractOfficer}}
	admin   = Actor{ID: "admin-1", Roles: []contracts.Role{contracts.RoleAdmin}}
	viewer  = Actor{ID: "viewer-1", Roles: []contracts.Role{contracts.RoleViewer}}
)

func newTestEngine(t *testing.T, scores staticScores) *Engine {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	require.NoError(t, st.Init(ctx))

	keyring, err := crypto.NewMACKeyring([]byte("engine-test-master"), 1)
	require.NoError(t, err)
	led := ledger.NewSQLLedger(db, keyring)
	require.NoError(t, led.Init(ctx))

	eval, err := policy.NewEvaluator()
	require.NoError(t, err)

	metrics, err := observability.New()
	require.NoError(t, err)

	engine, err := NewEngine(Params{
		Store:         st,
		Ledger:        led,
		Evaluator:     eval,
		Qualification: scores,
		Metrics:       metrics,
		Assigner: roleAssigner{
			contracts.RoleContractOfficer: "officer-1",
		},
		Policy: contracts.AutonomyPolicy{
			Enabled:      true,
			ThresholdUSD: 500000,
			MinScore:     90,
		},
		Template: contracts.ChainTemplate{Steps: []contracts.ChainStep{
			{Name: "legal_review", ApproverRole: contracts.RoleContractOfficer},
			{Name: "finance_review", ApproverRole: contracts.RoleContractOfficer},
		}},
	})
	require.NoError(t, err)
	return engine
}

func draft(t *testing.T, e *Engine, value float64) *contracts.Submission {
	t.Helper()
	sub, err := e.CreateDraft(context.Background(), DraftRequest{
		OpportunityID:  "opp-1",
		OwnerID:        "owner-1",
		Title:          "Network modernization proposal",
		EstimatedValue: value,
		DueDate:        time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return sub
}

func TestCreateDraftValidation(t *testing.T) {
	e := newTestEngine(t, staticScores{})

	_, err := e.CreateDraft(context.Background(), DraftRequest{OwnerID: "o", Title: "t"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = e.CreateDraft(context.Background(), DraftRequest{
		OpportunityID: "opp-1", OwnerID: "o", Title: "t", EstimatedValue: -1,
	})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestAutonomousApproval(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 92})
	sub := draft(t, e, 10000)

	out, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusComplete, out.Submission.Status)
	assert.True(t, out.Decision.Eligible)
	assert.Empty(t, out.Steps)
	assert.Equal(t, contracts.ActionAutonomyGranted, out.Entry.Action)
	assert.Equal(t, contracts.ActorAutonomy, out.Entry.Actor)

	report, err := e.VerifyChain(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Entries)
}

func TestManualChainWhenValueExceedsThreshold(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 95})
	sub := draft(t, e, 600000)

	out, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, contracts.StatusPendingApproval, out.Submission.Status)
	assert.Equal(t, 1, out.Submission.Generation)
	assert.False(t, out.Decision.Eligible)
	require.Len(t, out.Steps, 2)
	assert.Equal(t, "legal_review", out.Steps[0].Name)
	assert.Equal(t, "officer-1", out.Steps[0].ApproverID)
	assert.Equal(t, contracts.ActionApprovalRequested, out.Entry.Action)

	// The first approver's notification is queued in the same commit.
	msgs, err := e.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.OutboxNotification, msgs[0].Kind)
}

func TestRequestApprovalRequiresDraft(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 95})
	sub := draft(t, e, 600000)

	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	_, err = e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestApproveStepsInOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	// Order is enforced: the second step cannot go first.
	_, err = e.ApproveStep(ctx, sub.ID, "finance_review", officer, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	first, err := e.ApproveStep(ctx, sub.ID, "legal_review", officer, "terms acceptable")
	require.NoError(t, err)
	assert.False(t, first.Completed)
	assert.Equal(t, contracts.StatusPendingApproval, first.Submission.Status)

	// Re-approving a decided step is a conflict.
	_, err = e.ApproveStep(ctx, sub.ID, "legal_review", officer, "")
	assert.ErrorIs(t, err, contracts.ErrConflict)

	last, err := e.ApproveStep(ctx, sub.ID, "finance_review", officer, "budget confirmed")
	require.NoError(t, err)
	assert.True(t, last.Completed)
	assert.Equal(t, contracts.StatusComplete, last.Submission.Status)

	report, err := e.VerifyChain(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Entries)
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	rival := Actor{ID: "officer-2", Roles: []contracts.Role{contracts.RoleContractOfficer}}

	// Both approvers decide the same step at once; the guarded update
	// lets exactly one through and the loser observes a conflict.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, a := range []Actor{officer, rival} {
		wg.Add(1)
		go func(i int, a Actor) {
			defer wg.Done()
			_, results[i] = e.ApproveStep(ctx, sub.ID, "legal_review", a, "")
		}(i, a)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, contracts.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	// Exactly one decision was recorded, by whichever approver won.
	active, err := e.store.ActiveSteps(ctx, e.store.DB(), sub.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepApproved, active[0].Status)
	assert.NotEmpty(t, active[0].DecidedBy)
	assert.Equal(t, contracts.StepPending, active[1].Status)

	report, err := e.VerifyChain(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Entries)
}

func TestApproveStepRequiresRole(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	_, err = e.ApproveStep(ctx, sub.ID, "legal_review", viewer, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	// Admin passes any role check.
	_, err = e.ApproveStep(ctx, sub.ID, "legal_review", admin, "")
	assert.NoError(t, err)
}

func TestUnknownStepNotFound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	_, err = e.ApproveStep(ctx, sub.ID, "security_review", officer, "")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestRejectTerminates(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	out, err := e.RejectStep(ctx, sub.ID, "legal_review", officer, "unacceptable indemnification clause")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, out.Submission.Status)
	assert.Equal(t, contracts.ActionStepRejected, out.Entry.Action)

	// The unreached step is closed, not left dangling.
	history, err := e.StepHistory(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, contracts.StepRejected, history[0].Status)
	assert.Equal(t, contracts.StepSkipped, history[1].Status)

	// Rejected is terminal.
	_, err = e.ApproveStep(ctx, sub.ID, "finance_review", officer, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)
	_, err = e.Withdraw(ctx, sub.ID, admin)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestWithdrawAndResubmit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	owner := Actor{ID: "owner-1", Roles: []contracts.Role{contracts.RoleViewer}}
	withdrawn, err := e.Withdraw(ctx, sub.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, withdrawn.Status)

	// Resubmission opens a fresh generation; the old chain stays in
	// history as skipped.
	out, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Submission.Generation)
	require.Len(t, out.Steps, 2)

	history, err := e.StepHistory(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)

	_, active, err := e.Submission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestWithdrawRefusedAfterDecision(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)
	_, err = e.ApproveStep(ctx, sub.ID, "legal_review", officer, "")
	require.NoError(t, err)

	_, err = e.Withdraw(ctx, sub.ID, admin)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestWithdrawRequiresOwnerOrAdmin(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 50})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	_, err = e.Withdraw(ctx, sub.ID, viewer)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = e.Withdraw(ctx, sub.ID, admin)
	assert.NoError(t, err)
}

func TestForcedAutonomyRefusedAndRecorded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 95})
	sub := draft(t, e, 600000)

	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{ForceAutonomy: true})
	assert.ErrorIs(t, err, contracts.ErrPolicyViolation)

	// No state change, but the attempt is on the chain.
	current, _, err := e.Submission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusDraft, current.Status)

	trail, err := e.AuditTrail(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, contracts.ActionPolicyViolation, trail[0].Entry.Action)
	assert.Equal(t, officer.ID, trail[0].Entry.Actor)
	assert.True(t, trail[0].Valid)
}

func TestForceFlagIsNoOpWhenEligible(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 92})
	sub := draft(t, e, 10000)

	out, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{ForceAutonomy: true})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusComplete, out.Submission.Status)
}

func TestFinalizeLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 92})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	// Dry run previews without writing.
	preview, err := e.Finalize(ctx, sub.ID, officer, true)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Nil(t, preview.Run)
	trail, err := e.AuditTrail(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	out, err := e.Finalize(ctx, sub.ID, officer, false)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSubmitted, out.Submission.Status)
	require.NotNil(t, out.Run)
	assert.Equal(t, contracts.RunPending, out.Run.Status)
	assert.Equal(t, []string{"run:" + out.Run.ID}, out.Entry.EvidenceRefs)

	// Finalize is not repeatable.
	_, err = e.Finalize(ctx, sub.ID, officer, false)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	entry, err := e.RecordAutomationResult(ctx, out.Run.ID, true, "portal receipt 8841")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAutomationCompleted, entry.Action)
	assert.Equal(t, contracts.ActorAutomation, entry.Actor)

	// Duplicate executor callbacks lose the status guard.
	_, err = e.RecordAutomationResult(ctx, out.Run.ID, true, "")
	assert.ErrorIs(t, err, contracts.ErrConflict)

	report, err := e.VerifyChain(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Entries)
}

func TestAutomationFailureRecorded(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 92})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)
	out, err := e.Finalize(ctx, sub.ID, officer, false)
	require.NoError(t, err)

	entry, err := e.RecordAutomationResult(ctx, out.Run.ID, false, "portal rejected the package checksum")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionAutomationFailed, entry.Action)

	// The submission stays submitted; failure handling is out of band.
	current, _, err := e.Submission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSubmitted, current.Status)
}

func TestCompensation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 92})
	sub := draft(t, e, 10000)
	_, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)

	_, err = e.Compensate(ctx, sub.ID, 1, officer, "recorded against the wrong opportunity")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = e.Compensate(ctx, sub.ID, 7, admin, "mistake")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	entry, err := e.Compensate(ctx, sub.ID, 1, admin, "recorded against the wrong opportunity")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionCompensation, entry.Action)
	assert.Equal(t, uint64(1), entry.CompensatesSeq)

	report, err := e.VerifyChain(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Entries)
}

func TestScoreBelowMinimumGoesManual(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, staticScores{"opp-1": 80})
	sub := draft(t, e, 50000)

	out, err := e.RequestApproval(ctx, sub.ID, officer, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, out.Submission.Status)
	assert.Equal(t, policy.ReasonScoreBelow, out.Decision.Reason)
}

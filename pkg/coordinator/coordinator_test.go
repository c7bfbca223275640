package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/crypto"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/store"
)

func newTestStore(t *testing.T) (*store.Store, *ledger.SQLLedger) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	require.NoError(t, st.Init(ctx))

	keyring, err := crypto.NewMACKeyring([]byte("coordinator-test-master"), 1)
	require.NoError(t, err)
	led := ledger.NewSQLLedger(db, keyring)
	require.NoError(t, led.Init(ctx))
	return st, led
}

func pendingSubmission(t *testing.T, st *store.Store, createdAt time.Time) (string, []contracts.ApprovalStep) {
	t.Helper()
	ctx := context.Background()

	subID := uuid.New().String()
	require.NoError(t, st.CreateSubmission(ctx, st.DB(), &contracts.Submission{
		ID:            subID,
		OpportunityID: "opp-1",
		OwnerID:       "owner-1",
		Title:         "Fleet telematics proposal",
		Status:        contracts.StatusPendingApproval,
		Generation:    1,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}))

	steps := []contracts.ApprovalStep{
		{
			ID: uuid.New().String(), SubmissionID: subID, Generation: 1,
			Name: "legal_review", OrderIndex: 0,
			ApproverRole: contracts.RoleContractOfficer, ApproverID: "officer-1",
			Status: contracts.StepPending, CreatedAt: createdAt,
		},
		{
			ID: uuid.New().String(), SubmissionID: subID, Generation: 1,
			Name: "finance_review", OrderIndex: 1,
			ApproverRole: contracts.RoleContractOfficer, ApproverID: "officer-2",
			Status: contracts.StepPending, CreatedAt: createdAt,
		},
	}
	require.NoError(t, st.InsertSteps(ctx, st.DB(), steps))
	return subID, steps
}

func TestDirectoryAssign(t *testing.T) {
	dir := NewDirectory(map[contracts.Role]string{
		contracts.RoleContractOfficer: "officer-1",
	})
	assert.Equal(t, "officer-1", dir.Assign(contracts.ChainStep{
		Name: "legal_review", ApproverRole: contracts.RoleContractOfficer,
	}))
	assert.Empty(t, dir.Assign(contracts.ChainStep{ApproverRole: contracts.RoleAdmin}))
}

func TestSweepEscalatesLowestPendingStep(t *testing.T) {
	ctx := context.Background()
	st, led := newTestStore(t)

	now := time.Now().UTC()
	subID, _ := pendingSubmission(t, st, now.Add(-3*time.Hour))

	c := NewCoordinator(st, led, 2*time.Hour, nil, nil).
		WithClock(func() time.Time { return now })

	count, err := c.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Only the chain's lowest pending step is escalated.
	active, err := st.ActiveSteps(ctx, st.DB(), subID, 1)
	require.NoError(t, err)
	require.NotNil(t, active[0].EscalatedAt)
	assert.Nil(t, active[1].EscalatedAt)

	entries, err := led.Entries(ctx, subID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.ActionEscalated, entries[0].Action)
	assert.Equal(t, contracts.ActorCoordinator, entries[0].Actor)

	msgs, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.OutboxNotification, msgs[0].Kind)

	// Re-sweeping is idempotent; no duplicate entry or notification,
	// and the next step's turn has still not come.
	count, err = c.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	entries, err = led.Entries(ctx, subID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	active, err = st.ActiveSteps(ctx, st.DB(), subID, 1)
	require.NoError(t, err)
	assert.Nil(t, active[1].EscalatedAt)
	msgs, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSweepMovesOnAfterActiveStepDecided(t *testing.T) {
	ctx := context.Background()
	st, led := newTestStore(t)

	now := time.Now().UTC()
	subID, steps := pendingSubmission(t, st, now.Add(-3*time.Hour))

	c := NewCoordinator(st, led, 2*time.Hour, nil, nil).
		WithClock(func() time.Time { return now })

	count, err := c.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Deciding the escalated step makes the next one the chain's
	// active step; it is already past the SLA itself.
	require.NoError(t, st.DecideStep(ctx, st.DB(), steps[0].ID,
		contracts.StepApproved, "officer-1", "", now))

	count, err = c.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	active, err := st.ActiveSteps(ctx, st.DB(), subID, 1)
	require.NoError(t, err)
	require.NotNil(t, active[1].EscalatedAt)

	entries, err := led.Entries(ctx, subID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSweepSkipsStepsWithinSLA(t *testing.T) {
	ctx := context.Background()
	st, led := newTestStore(t)

	now := time.Now().UTC()
	pendingSubmission(t, st, now.Add(-30*time.Minute))

	c := NewCoordinator(st, led, 2*time.Hour, nil, nil).
		WithClock(func() time.Time { return now })

	count, err := c.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

type captureNotifier struct {
	sent []store.NotificationPayload
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, p store.NotificationPayload) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, p)
	return nil
}

type fakeExecutor struct {
	detail string
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.detail, f.err
}

type fakeRecorder struct {
	runID   string
	success bool
	detail  string
	err     error
}

func (f *fakeRecorder) RecordAutomationResult(_ context.Context, runID string, success bool, detail string) (*contracts.AuditEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.runID = runID
	f.success = success
	f.detail = detail
	return &contracts.AuditEntry{}, nil
}

func TestDispatcherDeliversNotifications(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueNotification(ctx, st.DB(), uuid.New().String(), store.NotificationPayload{
		SubmissionID: "sub-1", StepName: "legal_review",
		ApproverID: "officer-1", Kind: "approval_requested",
	}, now))

	notifier := &captureNotifier{}
	d := NewDispatcher(DispatcherParams{Store: st, Notifier: notifier})

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "legal_review", notifier.sent[0].StepName)

	// Delivered messages leave the pending set.
	msgs, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDispatcherParksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueNotification(ctx, st.DB(), uuid.New().String(), store.NotificationPayload{
		SubmissionID: "sub-1", StepName: "legal_review", Kind: "approval_requested",
	}, now))

	notifier := &captureNotifier{err: errors.New("smtp unreachable")}
	d := NewDispatcher(DispatcherParams{Store: st, Notifier: notifier, MaxAttempts: 2})

	for i := 0; i < 2; i++ {
		sent, err := d.DispatchPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, sent)
	}

	// Parked as failed; no longer retried.
	msgs, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDispatcherRunsAutomation(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueAutomation(ctx, st.DB(), uuid.New().String(), store.AutomationPayload{
		SubmissionID: "sub-1", RunID: "run-1",
	}, now))

	executor := &fakeExecutor{detail: "portal receipt 8841"}
	recorder := &fakeRecorder{}
	d := NewDispatcher(DispatcherParams{Store: st, Executor: executor, Recorder: recorder})

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, executor.calls)
	assert.Equal(t, "run-1", recorder.runID)
	assert.True(t, recorder.success)
	assert.Equal(t, "portal receipt 8841", recorder.detail)
}

func TestDispatcherRecordsAutomationFailure(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueAutomation(ctx, st.DB(), uuid.New().String(), store.AutomationPayload{
		SubmissionID: "sub-1", RunID: "run-1",
	}, now))

	executor := &fakeExecutor{err: fmt.Errorf("portal rejected the package")}
	recorder := &fakeRecorder{}
	d := NewDispatcher(DispatcherParams{Store: st, Executor: executor, Recorder: recorder})

	// The executor failed but the verdict was recorded, so the message
	// itself is dispatched.
	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.False(t, recorder.success)
	assert.Equal(t, "portal rejected the package", recorder.detail)
}

type captureTrigger struct {
	payloads []store.AutomationPayload
}

func (c *captureTrigger) Trigger(_ context.Context, p store.AutomationPayload) error {
	c.payloads = append(c.payloads, p)
	return nil
}

func TestDispatcherHandsOffAutomationWithoutExecutor(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueAutomation(ctx, st.DB(), uuid.New().String(), store.AutomationPayload{
		SubmissionID: "sub-1", RunID: "run-1",
	}, now))

	trigger := &captureTrigger{}
	d := NewDispatcher(DispatcherParams{Store: st, Trigger: trigger})

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, trigger.payloads, 1)
	assert.Equal(t, "run-1", trigger.payloads[0].RunID)
}

func TestDispatcherTreatsDuplicateCallbackAsDelivered(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, st.EnqueueAutomation(ctx, st.DB(), uuid.New().String(), store.AutomationPayload{
		SubmissionID: "sub-1", RunID: "run-1",
	}, now))

	executor := &fakeExecutor{}
	recorder := &fakeRecorder{err: contracts.Conflictf("run run-1 already finished as success")}
	d := NewDispatcher(DispatcherParams{Store: st, Executor: executor, Recorder: recorder})

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

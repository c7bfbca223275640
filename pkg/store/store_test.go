package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pursuitworks/govern/pkg/contracts"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	st := New(db)
	require.NoError(t, st.Init(context.Background()))
	return st
}

func draftSubmission(id string, now time.Time) *contracts.Submission {
	return &contracts.Submission{
		ID:             id,
		OpportunityID:  "opp-1",
		OwnerID:        "owner-1",
		Title:          "Radar maintenance proposal",
		EstimatedValue: 125000,
		Category:       "services",
		Status:         contracts.StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSubmissionRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	sub := draftSubmission("sub-1", now)
	require.NoError(t, st.CreateSubmission(ctx, st.DB(), sub))

	got, err := st.GetSubmission(ctx, st.DB(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.Title, got.Title)
	assert.Equal(t, contracts.StatusDraft, got.Status)
	assert.Equal(t, 0, got.Generation)
	assert.True(t, got.CreatedAt.Equal(now))

	_, err = st.GetSubmission(ctx, st.DB(), "no-such")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestListSubmissionsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	for i, status := range []contracts.SubmissionStatus{
		contracts.StatusDraft, contracts.StatusPendingApproval, contracts.StatusDraft,
	} {
		sub := draftSubmission(uuid.New().String(), now.Add(time.Duration(i)*time.Second))
		sub.Status = status
		require.NoError(t, st.CreateSubmission(ctx, st.DB(), sub))
	}

	drafts, err := st.ListSubmissions(ctx, st.DB(), contracts.StatusDraft, 0)
	require.NoError(t, err)
	assert.Len(t, drafts, 2)

	all, err := st.ListSubmissions(ctx, st.DB(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Newest first.
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt))
}

func TestTransitionGuardRejectsStaleStatus(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	require.NoError(t, st.CreateSubmission(ctx, st.DB(), draftSubmission("sub-1", now)))

	require.NoError(t, st.TransitionSubmission(ctx, st.DB(), "sub-1",
		contracts.StatusDraft, contracts.StatusPendingApproval, 1, now))

	// A second transition from draft sees the already-moved row.
	err := st.TransitionSubmission(ctx, st.DB(), "sub-1",
		contracts.StatusDraft, contracts.StatusPendingApproval, 1, now)
	assert.ErrorIs(t, err, contracts.ErrConflict)

	got, err := st.GetSubmission(ctx, st.DB(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, got.Status)
	assert.Equal(t, 1, got.Generation)
}

func insertChain(t *testing.T, st *Store, submissionID string, generation int, now time.Time) []contracts.ApprovalStep {
	t.Helper()
	steps := []contracts.ApprovalStep{
		{ID: uuid.New().String(), SubmissionID: submissionID, Generation: generation,
			Name: "legal_review", OrderIndex: 0, ApproverRole: contracts.RoleContractOfficer,
			Status: contracts.StepPending, CreatedAt: now},
		{ID: uuid.New().String(), SubmissionID: submissionID, Generation: generation,
			Name: "finance_review", OrderIndex: 1, ApproverRole: contracts.RoleContractOfficer,
			Status: contracts.StepPending, CreatedAt: now},
	}
	require.NoError(t, st.InsertSteps(context.Background(), st.DB(), steps))
	return steps
}

func TestDecideStepLosesRaceOnce(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()
	steps := insertChain(t, st, "sub-1", 1, now)

	require.NoError(t, st.DecideStep(ctx, st.DB(), steps[0].ID,
		contracts.StepApproved, "officer-1", "lgtm", now))

	err := st.DecideStep(ctx, st.DB(), steps[0].ID,
		contracts.StepRejected, "officer-2", "", now)
	assert.ErrorIs(t, err, contracts.ErrConflict)

	active, err := st.ActiveSteps(ctx, st.DB(), "sub-1", 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepApproved, active[0].Status)
	assert.Equal(t, "officer-1", active[0].DecidedBy)
	assert.Equal(t, contracts.StepPending, active[1].Status)
}

func TestSkipPendingStepsLeavesDecisionsAlone(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()
	steps := insertChain(t, st, "sub-1", 1, now)

	require.NoError(t, st.DecideStep(ctx, st.DB(), steps[0].ID,
		contracts.StepApproved, "officer-1", "", now))

	skipped, err := st.SkipPendingSteps(ctx, st.DB(), "sub-1", 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	active, err := st.ActiveSteps(ctx, st.DB(), "sub-1", 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepApproved, active[0].Status)
	assert.Equal(t, contracts.StepSkipped, active[1].Status)
}

func TestMarkEscalatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()
	steps := insertChain(t, st, "sub-1", 1, now)

	stamped, err := st.MarkEscalated(ctx, st.DB(), steps[0].ID, now)
	require.NoError(t, err)
	assert.True(t, stamped)

	stamped, err = st.MarkEscalated(ctx, st.DB(), steps[0].ID, now)
	require.NoError(t, err)
	assert.False(t, stamped)
}

func TestOverdueStepsHonorsCutoffAndSubmissionStatus(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	sub := draftSubmission("sub-1", now.Add(-48*time.Hour))
	sub.Status = contracts.StatusPendingApproval
	sub.Generation = 1
	require.NoError(t, st.CreateSubmission(ctx, st.DB(), sub))
	insertChain(t, st, "sub-1", 1, now.Add(-48*time.Hour))

	// Fresh chain on a second submission, inside the SLA.
	fresh := draftSubmission("sub-2", now)
	fresh.Status = contracts.StatusPendingApproval
	fresh.Generation = 1
	require.NoError(t, st.CreateSubmission(ctx, st.DB(), fresh))
	insertChain(t, st, "sub-2", 1, now)

	// Only the overdue chain's active (lowest pending) step comes back.
	overdue, err := st.OverdueSteps(ctx, st.DB(), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "sub-1", overdue[0].SubmissionID)
	assert.Equal(t, 0, overdue[0].OrderIndex)
}

func TestOverdueStepsTracksActiveStep(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	sub := draftSubmission("sub-1", now.Add(-48*time.Hour))
	sub.Status = contracts.StatusPendingApproval
	sub.Generation = 1
	require.NoError(t, st.CreateSubmission(ctx, st.DB(), sub))
	steps := insertChain(t, st, "sub-1", 1, now.Add(-48*time.Hour))
	cutoff := now.Add(-24 * time.Hour)

	// An escalated active step keeps appearing with its stamp; the
	// inactive second step never does.
	stamped, err := st.MarkEscalated(ctx, st.DB(), steps[0].ID, now)
	require.NoError(t, err)
	require.True(t, stamped)

	overdue, err := st.OverdueSteps(ctx, st.DB(), cutoff)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, steps[0].ID, overdue[0].ID)
	assert.NotNil(t, overdue[0].EscalatedAt)

	// Deciding the first step promotes the second to active.
	require.NoError(t, st.DecideStep(ctx, st.DB(), steps[0].ID,
		contracts.StepApproved, "officer-1", "", now))

	overdue, err = st.OverdueSteps(ctx, st.DB(), cutoff)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, steps[1].ID, overdue[0].ID)
	assert.Nil(t, overdue[0].EscalatedAt)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	run := &contracts.SubmissionRun{
		ID: "run-1", SubmissionID: "sub-1",
		Status: contracts.RunPending, TriggeredBy: "user-1", CreatedAt: now,
	}
	require.NoError(t, st.InsertRun(ctx, st.DB(), run))

	require.NoError(t, st.CompleteRun(ctx, st.DB(), "run-1",
		contracts.RunPending, contracts.RunSuccess, "portal receipt 991", now))

	got, err := st.GetRun(ctx, st.DB(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSuccess, got.Status)
	assert.Equal(t, "portal receipt 991", got.Detail)
	require.NotNil(t, got.CompletedAt)

	// The guard refuses a second completion from the stale status.
	err = st.CompleteRun(ctx, st.DB(), "run-1",
		contracts.RunPending, contracts.RunFailed, "", now)
	assert.ErrorIs(t, err, contracts.ErrConflict)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	first := uuid.New().String()
	require.NoError(t, st.EnqueueNotification(ctx, st.DB(), first, NotificationPayload{
		SubmissionID: "sub-1", StepName: "legal_review", Kind: "approval_requested",
	}, now))
	second := uuid.New().String()
	require.NoError(t, st.EnqueueAutomation(ctx, st.DB(), second, AutomationPayload{
		SubmissionID: "sub-1", RunID: "run-1",
	}, now.Add(time.Second)))

	pending, err := st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Oldest first.
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, OutboxNotification, pending[0].Kind)
	assert.Equal(t, OutboxAutomation, pending[1].Kind)

	require.NoError(t, st.MarkDispatched(ctx, first, now))
	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Two failures against maxAttempts=2 park the message.
	require.NoError(t, st.RecordDispatchFailure(ctx, second, 1, 2, "redis down"))
	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "redis down", pending[0].LastError)

	require.NoError(t, st.RecordDispatchFailure(ctx, second, 2, 2, "redis down"))
	pending, err = st.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTxMapsLockContentionToConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectRollback()

	st := New(db)
	err = st.Tx(context.Background(), func(tx *sql.Tx) error {
		return &pq.Error{Code: "55P03"}
	})
	assert.ErrorIs(t, err, contracts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxKeepsClassifiedErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectRollback()

	st := New(db)
	err = st.Tx(context.Background(), func(tx *sql.Tx) error {
		return contracts.NotFoundf("submission sub-1")
	})
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.NotErrorIs(t, err, contracts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionSubmissionQueryShape(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = $1, generation = $2, updated_at = $3 WHERE id = $4 AND status = $5")).
		WithArgs("pending_approval", 1, formatTime(now), "sub-1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 0))

	st := New(db)
	err = st.TransitionSubmission(context.Background(), db, "sub-1",
		contracts.StatusDraft, contracts.StatusPendingApproval, 1, now)
	assert.ErrorIs(t, err, contracts.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsLockContention(t *testing.T) {
	assert.True(t, isLockContention(&pq.Error{Code: "40001"}))
	assert.True(t, isLockContention(&pq.Error{Code: "40P01"}))
	assert.False(t, isLockContention(&pq.Error{Code: "23505"}))
	assert.True(t, isLockContention(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isLockContention(errors.New("no such table")))
}

package workflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/ledger"
	"github.com/pursuitworks/govern/pkg/policy"
	"github.com/pursuitworks/govern/pkg/store"
)

// RequestOptions tunes an approval request.
type RequestOptions struct {
	// ForceAutonomy asks for autonomous approval even when the policy
	// evaluator rejects the submission. The request is refused and a
	// suspicious-activity entry is written to the audit chain.
	ForceAutonomy bool
}

// ApprovalOutcome is the result of a successful approval request.
type ApprovalOutcome struct {
	Submission *contracts.Submission    `json:"submission"`
	Steps      []contracts.ApprovalStep `json:"steps,omitempty"`
	Decision   policy.Decision          `json:"decision"`
	Entry      *contracts.AuditEntry    `json:"entry"`
}

// RequestApproval moves a draft submission into approval. When the
// autonomy policy grants the submission, it goes straight to complete
// with a system actor on the audit entry; otherwise a fresh approval
// chain is created from the template and the first approver is
// notified. A policy evaluation failure never grants autonomy; the
// submission falls back to the human chain.
func (e *Engine) RequestApproval(ctx context.Context, submissionID string, actor Actor, opts RequestOptions) (*ApprovalOutcome, error) {
	sub, err := e.store.GetSubmission(ctx, e.store.DB(), submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != contracts.StatusDraft {
		return nil, contracts.Validationf("submission %s is %s; approval can only be requested from %s",
			submissionID, sub.Status, contracts.StatusDraft)
	}

	snap := policy.Snapshot{
		SubmissionID:   sub.ID,
		EstimatedValue: sub.EstimatedValue,
		Category:       sub.Category,
	}
	if e.qualification != nil {
		score, err := e.qualification.Score(ctx, sub.OpportunityID)
		if err != nil {
			e.logger.Warn("qualification score unavailable, falling back to manual chain",
				"submission_id", sub.ID, "error", err)
		} else {
			snap.QualificationScore = score
		}
	}

	decision, err := e.evaluator.Evaluate(snap, e.policy)
	if err != nil {
		// Fail closed: an unevaluable policy never grants autonomy.
		e.logger.Warn("policy evaluation failed, falling back to manual chain",
			"submission_id", sub.ID, "error", err)
		decision = policy.Decision{Eligible: false, Reason: "policy evaluation failed"}
	}

	if opts.ForceAutonomy && !decision.Eligible {
		return nil, e.recordPolicyViolation(ctx, sub, actor, decision, snap)
	}

	now := e.clock().UTC()
	outcome := &ApprovalOutcome{Decision: decision}
	err = e.store.Tx(ctx, func(tx *sql.Tx) error {
		if decision.Eligible {
			if err := e.store.TransitionSubmission(ctx, tx, sub.ID,
				contracts.StatusDraft, contracts.StatusComplete, sub.Generation, now); err != nil {
				return err
			}
			entry, err := e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
				SubmissionID: sub.ID,
				Actor:        contracts.ActorAutonomy,
				Action:       contracts.ActionAutonomyGranted,
				Payload: map[string]any{
					"reason":              decision.Reason,
					"estimated_value":     sub.EstimatedValue,
					"qualification_score": snap.QualificationScore,
				},
			})
			if err != nil {
				return err
			}
			sub.Status = contracts.StatusComplete
			outcome.Entry = entry
			return nil
		}

		generation := sub.Generation + 1
		steps := e.buildChain(sub.ID, generation, now)
		if err := e.store.InsertSteps(ctx, tx, steps); err != nil {
			return err
		}
		if err := e.store.TransitionSubmission(ctx, tx, sub.ID,
			contracts.StatusDraft, contracts.StatusPendingApproval, generation, now); err != nil {
			return err
		}
		names := make([]string, len(steps))
		for i, s := range steps {
			names[i] = s.Name
		}
		entry, err := e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: sub.ID,
			Actor:        actor.ID,
			Action:       contracts.ActionApprovalRequested,
			Payload: map[string]any{
				"generation": generation,
				"chain":      names,
				"reason":     decision.Reason,
			},
		})
		if err != nil {
			return err
		}
		if err := e.store.EnqueueNotification(ctx, tx, uuid.New().String(), store.NotificationPayload{
			SubmissionID: sub.ID,
			StepName:     steps[0].Name,
			ApproverID:   steps[0].ApproverID,
			Kind:         "approval_requested",
		}, now); err != nil {
			return err
		}
		sub.Status = contracts.StatusPendingApproval
		sub.Generation = generation
		outcome.Steps = steps
		outcome.Entry = entry
		return nil
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "request_approval", err)
	}

	sub.UpdatedAt = now
	outcome.Submission = sub
	e.metrics.Transition(ctx, string(outcome.Entry.Action))
	e.logger.Info("approval requested",
		"submission_id", sub.ID, "status", sub.Status, "autonomous", decision.Eligible)
	return outcome, nil
}

// recordPolicyViolation commits a suspicious-activity entry without any
// state change, then surfaces the refusal to the caller.
func (e *Engine) recordPolicyViolation(ctx context.Context, sub *contracts.Submission, actor Actor, decision policy.Decision, snap policy.Snapshot) error {
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		_, err := e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: sub.ID,
			Actor:        actor.ID,
			Action:       contracts.ActionPolicyViolation,
			Payload: map[string]any{
				"attempted":           "force_autonomy",
				"refusal_reason":      decision.Reason,
				"estimated_value":     sub.EstimatedValue,
				"qualification_score": snap.QualificationScore,
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	e.logger.Warn("forced autonomy refused",
		"submission_id", sub.ID, "actor", actor.ID, "reason", decision.Reason)
	return contracts.PolicyViolationf("autonomous approval refused: %s", decision.Reason)
}

func (e *Engine) buildChain(submissionID string, generation int, now time.Time) []contracts.ApprovalStep {
	steps := make([]contracts.ApprovalStep, len(e.template.Steps))
	for i, tpl := range e.template.Steps {
		approver := ""
		if e.assigner != nil {
			approver = e.assigner.Assign(tpl)
		}
		steps[i] = contracts.ApprovalStep{
			ID:           uuid.New().String(),
			SubmissionID: submissionID,
			Generation:   generation,
			Name:         tpl.Name,
			OrderIndex:   i,
			ApproverRole: tpl.ApproverRole,
			ApproverID:   approver,
			Status:       contracts.StepPending,
			CreatedAt:    now,
		}
	}
	return steps
}

// DecisionOutcome is the result of deciding one approval step.
type DecisionOutcome struct {
	Submission *contracts.Submission   `json:"submission"`
	Step       *contracts.ApprovalStep `json:"step"`
	Entry      *contracts.AuditEntry   `json:"entry"`
	// Completed is true when this decision closed the chain.
	Completed bool `json:"completed"`
}

// ApproveStep records an approval on the chain's lowest pending step.
// Steps must be decided strictly in order; approving the final step
// moves the submission to complete.
func (e *Engine) ApproveStep(ctx context.Context, submissionID, stepName string, actor Actor, notes string) (*DecisionOutcome, error) {
	return e.decideStep(ctx, submissionID, stepName, actor, notes, true)
}

// RejectStep records a rejection on the chain's lowest pending step and
// terminates the submission. Rejection is final; a new submission is
// required to pursue the opportunity again.
func (e *Engine) RejectStep(ctx context.Context, submissionID, stepName string, actor Actor, reason string) (*DecisionOutcome, error) {
	return e.decideStep(ctx, submissionID, stepName, actor, reason, false)
}

func (e *Engine) decideStep(ctx context.Context, submissionID, stepName string, actor Actor, notes string, approve bool) (*DecisionOutcome, error) {
	now := e.clock().UTC()
	outcome := &DecisionOutcome{}
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		sub, err := e.store.GetSubmission(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != contracts.StatusPendingApproval {
			return contracts.Validationf("submission %s is %s; steps can only be decided while %s",
				submissionID, sub.Status, contracts.StatusPendingApproval)
		}

		steps, err := e.store.ActiveSteps(ctx, tx, submissionID, sub.Generation)
		if err != nil {
			return err
		}
		step, lowest := locateStep(steps, stepName)
		if step == nil {
			return contracts.NotFoundf("step %q in submission %s", stepName, submissionID)
		}
		if step.Decided() {
			return contracts.Conflictf("step %q is already %s", stepName, step.Status)
		}
		if lowest != nil && step.OrderIndex != lowest.OrderIndex {
			return contracts.Validationf("step %q cannot be decided before %q", stepName, lowest.Name)
		}
		if !actor.HasRole(step.ApproverRole) {
			return contracts.Validationf("actor %s lacks role %s required by step %q",
				actor.ID, step.ApproverRole, stepName)
		}

		status := contracts.StepRejected
		action := contracts.ActionStepRejected
		if approve {
			status = contracts.StepApproved
			action = contracts.ActionStepApproved
		}
		if err := e.store.DecideStep(ctx, tx, step.ID, status, actor.ID, notes, now); err != nil {
			return err
		}
		step.Status = status
		step.DecidedBy = actor.ID
		step.DecidedAt = &now
		step.Notes = notes

		var next *contracts.ApprovalStep
		for i := range steps {
			if steps[i].ID != step.ID && !steps[i].Decided() {
				next = &steps[i]
				break
			}
		}

		switch {
		case !approve:
			// Rejection terminates the chain; later steps become moot.
			if _, err := e.store.SkipPendingSteps(ctx, tx, submissionID, sub.Generation, now); err != nil {
				return err
			}
			if err := e.store.TransitionSubmission(ctx, tx, submissionID,
				contracts.StatusPendingApproval, contracts.StatusRejected, sub.Generation, now); err != nil {
				return err
			}
			sub.Status = contracts.StatusRejected
			outcome.Completed = true
		case next == nil:
			if err := e.store.TransitionSubmission(ctx, tx, submissionID,
				contracts.StatusPendingApproval, contracts.StatusComplete, sub.Generation, now); err != nil {
				return err
			}
			sub.Status = contracts.StatusComplete
			outcome.Completed = true
		}

		entry, err := e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: submissionID,
			Actor:        actor.ID,
			Action:       action,
			Payload: map[string]any{
				"step":           step.Name,
				"order_index":    step.OrderIndex,
				"notes":          notes,
				"chain_complete": outcome.Completed,
			},
		})
		if err != nil {
			return err
		}

		switch {
		case !approve:
			err = e.store.EnqueueNotification(ctx, tx, uuid.New().String(), store.NotificationPayload{
				SubmissionID: submissionID,
				StepName:     step.Name,
				ApproverID:   sub.OwnerID,
				Kind:         "rejected",
			}, now)
		case next != nil:
			err = e.store.EnqueueNotification(ctx, tx, uuid.New().String(), store.NotificationPayload{
				SubmissionID: submissionID,
				StepName:     next.Name,
				ApproverID:   next.ApproverID,
				Kind:         "approval_requested",
			}, now)
		}
		if err != nil {
			return err
		}

		sub.UpdatedAt = now
		outcome.Submission = sub
		outcome.Step = step
		outcome.Entry = entry
		return nil
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "decide_step", err)
	}

	e.metrics.Transition(ctx, string(outcome.Entry.Action))
	e.logger.Info("step decided",
		"submission_id", submissionID, "step", stepName, "status", outcome.Step.Status,
		"submission_status", outcome.Submission.Status)
	return outcome, nil
}

// locateStep finds the named step and the lowest-order pending step.
func locateStep(steps []contracts.ApprovalStep, name string) (named, lowestPending *contracts.ApprovalStep) {
	for i := range steps {
		if steps[i].Name == name {
			named = &steps[i]
		}
		if lowestPending == nil && !steps[i].Decided() {
			lowestPending = &steps[i]
		}
	}
	return named, lowestPending
}

// Withdraw pulls a pending submission back to draft before any step has
// been decided. The current chain is closed as skipped and kept for
// history; a later approval request opens a new generation.
func (e *Engine) Withdraw(ctx context.Context, submissionID string, actor Actor) (*contracts.Submission, error) {
	now := e.clock().UTC()
	var sub *contracts.Submission
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		sub, err = e.store.GetSubmission(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != contracts.StatusPendingApproval {
			return contracts.Validationf("submission %s is %s; only %s submissions can be withdrawn",
				submissionID, sub.Status, contracts.StatusPendingApproval)
		}
		if actor.ID != sub.OwnerID && !actor.HasRole(contracts.RoleAdmin) {
			return contracts.Validationf("actor %s is not the owner of submission %s", actor.ID, submissionID)
		}

		steps, err := e.store.ActiveSteps(ctx, tx, submissionID, sub.Generation)
		if err != nil {
			return err
		}
		for i := range steps {
			if steps[i].Decided() {
				return contracts.Validationf("step %q is already %s; withdrawal is only allowed before any decision",
					steps[i].Name, steps[i].Status)
			}
		}

		if _, err := e.store.SkipPendingSteps(ctx, tx, submissionID, sub.Generation, now); err != nil {
			return err
		}
		if err := e.store.TransitionSubmission(ctx, tx, submissionID,
			contracts.StatusPendingApproval, contracts.StatusDraft, sub.Generation, now); err != nil {
			return err
		}
		_, err = e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: submissionID,
			Actor:        actor.ID,
			Action:       contracts.ActionWithdrawn,
			Payload: map[string]any{
				"generation": sub.Generation,
			},
		})
		return err
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "withdraw", err)
	}

	sub.Status = contracts.StatusDraft
	sub.UpdatedAt = now
	e.metrics.Transition(ctx, string(contracts.ActionWithdrawn))
	e.logger.Info("submission withdrawn", "submission_id", submissionID, "actor", actor.ID)
	return sub, nil
}

// FinalizeOutcome is the result of finalizing a submission.
type FinalizeOutcome struct {
	Submission *contracts.Submission    `json:"submission"`
	Run        *contracts.SubmissionRun `json:"run,omitempty"`
	Entry      *contracts.AuditEntry    `json:"entry,omitempty"`
	DryRun     bool                     `json:"dry_run"`
}

// Finalize hands a complete submission off to automation. In dry-run
// mode it only validates the transition and reports what would happen;
// nothing is written, including to the audit chain.
func (e *Engine) Finalize(ctx context.Context, submissionID string, actor Actor, dryRun bool) (*FinalizeOutcome, error) {
	if dryRun {
		sub, err := e.store.GetSubmission(ctx, e.store.DB(), submissionID)
		if err != nil {
			return nil, err
		}
		if sub.Status != contracts.StatusComplete {
			return nil, contracts.Validationf("submission %s is %s; only %s submissions can be finalized",
				submissionID, sub.Status, contracts.StatusComplete)
		}
		return &FinalizeOutcome{Submission: sub, DryRun: true}, nil
	}

	now := e.clock().UTC()
	outcome := &FinalizeOutcome{}
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		sub, err := e.store.GetSubmission(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != contracts.StatusComplete {
			return contracts.Validationf("submission %s is %s; only %s submissions can be finalized",
				submissionID, sub.Status, contracts.StatusComplete)
		}
		if err := e.store.TransitionSubmission(ctx, tx, submissionID,
			contracts.StatusComplete, contracts.StatusSubmitted, sub.Generation, now); err != nil {
			return err
		}

		run := &contracts.SubmissionRun{
			ID:           uuid.New().String(),
			SubmissionID: submissionID,
			Status:       contracts.RunPending,
			TriggeredBy:  actor.ID,
			CreatedAt:    now,
		}
		if err := e.store.InsertRun(ctx, tx, run); err != nil {
			return err
		}

		entry, err := e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: submissionID,
			Actor:        actor.ID,
			Action:       contracts.ActionFinalized,
			Payload: map[string]any{
				"run_id": run.ID,
			},
			EvidenceRefs: []string{"run:" + run.ID},
		})
		if err != nil {
			return err
		}
		if err := e.store.EnqueueAutomation(ctx, tx, uuid.New().String(), store.AutomationPayload{
			SubmissionID: submissionID,
			RunID:        run.ID,
		}, now); err != nil {
			return err
		}

		sub.Status = contracts.StatusSubmitted
		sub.UpdatedAt = now
		outcome.Submission = sub
		outcome.Run = run
		outcome.Entry = entry
		return nil
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "finalize", err)
	}

	e.metrics.Transition(ctx, string(contracts.ActionFinalized))
	e.logger.Info("submission finalized",
		"submission_id", submissionID, "run_id", outcome.Run.ID, "actor", actor.ID)
	return outcome, nil
}

// RecordAutomationResult stores the executor's verdict on a run and
// appends a follow-up audit entry. An automation failure never unwinds
// the submitted state; it is recorded and handled out of band.
func (e *Engine) RecordAutomationResult(ctx context.Context, runID string, success bool, detail string) (*contracts.AuditEntry, error) {
	now := e.clock().UTC()
	var entry *contracts.AuditEntry
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		run, err := e.store.GetRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status == contracts.RunSuccess || run.Status == contracts.RunFailed {
			return contracts.Conflictf("run %s already finished as %s", runID, run.Status)
		}

		to := contracts.RunFailed
		action := contracts.ActionAutomationFailed
		if success {
			to = contracts.RunSuccess
			action = contracts.ActionAutomationCompleted
		}
		if err := e.store.CompleteRun(ctx, tx, runID, run.Status, to, detail, now); err != nil {
			return err
		}

		entry, err = e.ledger.WithTx(tx).Append(ctx, ledger.AppendRequest{
			SubmissionID: run.SubmissionID,
			Actor:        contracts.ActorAutomation,
			Action:       action,
			Payload: map[string]any{
				"run_id": runID,
				"detail": detail,
			},
			EvidenceRefs: []string{"run:" + runID},
		})
		return err
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "record_automation_result", err)
	}

	e.metrics.Transition(ctx, string(entry.Action))
	e.logger.Info("automation result recorded", "run_id", runID, "success", success)
	return entry, nil
}

// Compensate appends a correcting entry that references a mistaken
// earlier entry by sequence. The original entry is never modified.
func (e *Engine) Compensate(ctx context.Context, submissionID string, seq uint64, actor Actor, reason string) (*contracts.AuditEntry, error) {
	if !actor.HasRole(contracts.RoleAdmin) {
		return nil, contracts.Validationf("actor %s lacks role %s required for compensation",
			actor.ID, contracts.RoleAdmin)
	}
	if reason == "" {
		return nil, contracts.Validationf("compensation reason is required")
	}

	var entry *contracts.AuditEntry
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		led := e.ledger.WithTx(tx)
		entries, err := led.Entries(ctx, submissionID)
		if err != nil {
			return err
		}
		if seq == 0 || seq > uint64(len(entries)) {
			return contracts.NotFoundf("entry %d in submission %s", seq, submissionID)
		}
		entry, err = led.Append(ctx, ledger.AppendRequest{
			SubmissionID: submissionID,
			Actor:        actor.ID,
			Action:       contracts.ActionCompensation,
			Payload: map[string]any{
				"reason": reason,
			},
			CompensatesSeq: seq,
		})
		return err
	})
	if err != nil {
		return nil, e.trackConflict(ctx, "compensate", err)
	}

	e.logger.Info("compensation recorded",
		"submission_id", submissionID, "compensates_seq", seq, "actor", actor.ID)
	return entry, nil
}

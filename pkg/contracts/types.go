// Package contracts defines the shared domain types for the proposal
// approval workflow: submissions, approval steps, audit entries, and the
// autonomy policy consumed by the policy evaluator.
package contracts

import (
	"encoding/json"
	"time"
)

// SubmissionStatus is the workflow state of a submission.
// Status is never written directly by callers; only the workflow engine
// derives it from approval step state.
type SubmissionStatus string

const (
	StatusDraft           SubmissionStatus = "draft"
	StatusPendingApproval SubmissionStatus = "pending_approval"
	StatusComplete        SubmissionStatus = "complete"
	StatusSubmitted       SubmissionStatus = "submitted"
	StatusRejected        SubmissionStatus = "rejected"
)

// Terminal reports whether the approval state machine stops at this status.
// External processes may still act on submitted submissions.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusRejected
}

// StepStatus is the decision state of one approval step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Role is a coarse actor role used for step authorization.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleContractOfficer Role = "contract_officer"
	RoleViewer          Role = "viewer"
)

// ActorAutonomy is the literal actor recorded when the autonomy path
// approves a submission without a human chain.
const ActorAutonomy = "system:autonomy"

// ActorCoordinator is the actor recorded for SLA escalation entries.
const ActorCoordinator = "system:coordinator"

// ActorAutomation is the actor recorded when the automation executor
// reports the outcome of a submission run.
const ActorAutomation = "system:automation"

// Submission is a proposal workspace under workflow governance.
type Submission struct {
	ID             string           `json:"id"`
	OpportunityID  string           `json:"opportunity_id"`
	OwnerID        string           `json:"owner_id"`
	Title          string           `json:"title"`
	EstimatedValue float64          `json:"estimated_value"`
	Category       string           `json:"category,omitempty"`
	DueDate        time.Time        `json:"due_date"`
	Status         SubmissionStatus `json:"status"`
	// Generation increments each time a withdrawn submission re-enters
	// approval; approval steps are scoped to a generation.
	Generation int       `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ApprovalStep is one ordered checkpoint in a submission's approval chain.
type ApprovalStep struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	Generation   int        `json:"generation"`
	Name         string     `json:"name"`
	OrderIndex   int        `json:"order_index"`
	ApproverRole Role       `json:"approver_role"`
	ApproverID   string     `json:"approver_id,omitempty"`
	Status       StepStatus `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	EscalatedAt  *time.Time `json:"escalated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Decided reports whether the step has left pending.
func (s *ApprovalStep) Decided() bool {
	return s.Status != StepPending
}

// AuditAction categorizes audit entries.
type AuditAction string

const (
	ActionApprovalRequested   AuditAction = "approval_requested"
	ActionAutonomyGranted     AuditAction = "autonomy_granted"
	ActionStepApproved        AuditAction = "step_approved"
	ActionStepRejected        AuditAction = "step_rejected"
	ActionWithdrawn           AuditAction = "withdrawn"
	ActionFinalized           AuditAction = "finalized"
	ActionEscalated           AuditAction = "escalated"
	ActionAutomationCompleted AuditAction = "automation_completed"
	ActionAutomationFailed    AuditAction = "automation_failed"
	ActionPolicyViolation     AuditAction = "policy_violation"
	ActionCompensation        AuditAction = "compensation"
)

// GenesisHash is the prior-hash sentinel for the first entry of a chain.
const GenesisHash = "genesis"

// AuditEntry is one immutable fact in a submission's hash-chained ledger.
// PriorHash references the signature of the preceding entry (or the
// genesis sentinel), so a verified signature transitively attests to
// every entry before it.
type AuditEntry struct {
	EntryID      string          `json:"entry_id"`
	SubmissionID string          `json:"submission_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	Action       AuditAction     `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	Digest       string          `json:"digest"`
	PriorHash    string          `json:"prior_hash"`
	Signature    string          `json:"signature"`
	KeyVersion   int             `json:"key_version"`
	EvidenceRefs []string        `json:"evidence_refs,omitempty"`
	// CompensatesSeq references the sequence of a mistaken entry this
	// one corrects. History is never rewritten.
	CompensatesSeq uint64 `json:"compensates_seq,omitempty"`
}

// AutonomyPolicy is the read-mostly configuration consumed by the policy
// evaluator. It is injected at call time, never read from ambient state.
type AutonomyPolicy struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	ThresholdUSD       float64  `json:"threshold_usd" yaml:"threshold_usd"`
	MinScore           float64  `json:"min_score" yaml:"min_score"`
	ExcludedCategories []string `json:"excluded_categories,omitempty" yaml:"excluded_categories"`
	// ExclusionRules are optional CEL expressions; a submission matching
	// any rule is ineligible for autonomous approval.
	ExclusionRules []string `json:"exclusion_rules,omitempty" yaml:"exclusion_rules"`
}

// ChainStep is one entry of the configured approval-chain template.
type ChainStep struct {
	Name         string `json:"name" yaml:"name"`
	ApproverRole Role   `json:"approver_role" yaml:"approver_role"`
}

// ChainTemplate is the ordered approval chain created when a submission
// enters pending approval without autonomy.
type ChainTemplate struct {
	Steps []ChainStep `json:"steps" yaml:"steps"`
}

// RunStatus tracks an automation execution handed off at finalize.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// SubmissionRun records one automation execution of a submitted proposal.
type SubmissionRun struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	Status       RunStatus  `json:"status"`
	TriggeredBy  string     `json:"triggered_by"`
	Detail       string     `json:"detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Package policy implements the autonomy policy evaluator: a pure
// decision function from a submission snapshot and an injected policy to
// eligible/ineligible plus a reason. It never touches submission or
// ledger state; the workflow engine acts on its verdict.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/pursuitworks/govern/pkg/contracts"
)

// Snapshot is the read-only submission view the evaluator decides on.
type Snapshot struct {
	SubmissionID       string  `json:"submission_id"`
	EstimatedValue     float64 `json:"estimated_value"`
	QualificationScore float64 `json:"qualification_score"`
	Category           string  `json:"category"`
}

// Decision is the evaluator's verdict.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Reason strings are part of the audit payload contract; keep them stable.
const (
	ReasonDisabled     = "autonomy disabled"
	ReasonValueExceeds = "value exceeds threshold"
	ReasonScoreBelow   = "score below minimum"
	ReasonCategoryExcl = "category excluded"
	ReasonRuleMatched  = "exclusion rule matched"
	ReasonGranted      = "autonomous approval granted"
)

// Evaluator applies the rule ladder, including optional CEL exclusion
// rules. Compiled programs are cached by expression text.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator builds the CEL environment for exclusion rules. The only
// declared input is the submission snapshot.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("submission", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment failed: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate applies the policy rules in order and returns the first
// ineligibility reason, or a grant. It is deterministic and side-effect
// free. A broken exclusion rule returns an error; callers fail closed to
// the manual chain on it.
func (e *Evaluator) Evaluate(snap Snapshot, pol contracts.AutonomyPolicy) (Decision, error) {
	if !pol.Enabled {
		return Decision{Eligible: false, Reason: ReasonDisabled}, nil
	}
	if snap.EstimatedValue > pol.ThresholdUSD {
		return Decision{Eligible: false, Reason: ReasonValueExceeds}, nil
	}
	if snap.QualificationScore < pol.MinScore {
		return Decision{Eligible: false, Reason: ReasonScoreBelow}, nil
	}
	for _, category := range pol.ExcludedCategories {
		if category == snap.Category {
			return Decision{Eligible: false, Reason: ReasonCategoryExcl}, nil
		}
	}
	for _, rule := range pol.ExclusionRules {
		matched, err := e.evaluateRule(rule, snap)
		if err != nil {
			return Decision{}, err
		}
		if matched {
			return Decision{Eligible: false, Reason: ReasonRuleMatched}, nil
		}
	}
	return Decision{Eligible: true, Reason: ReasonGranted}, nil
}

func (e *Evaluator) evaluateRule(rule string, snap Snapshot) (bool, error) {
	prg, err := e.program(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"submission": map[string]any{
			"id":                  snap.SubmissionID,
			"estimated_value":     snap.EstimatedValue,
			"qualification_score": snap.QualificationScore,
			"category":            snap.Category,
		},
	})
	if err != nil {
		return false, fmt.Errorf("policy: rule evaluation failed: %w", err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: rule %q did not produce a boolean", rule)
	}
	return matched, nil
}

func (e *Evaluator) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: rule compile failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: rule program failed: %w", err)
	}

	e.mu.Lock()
	e.cache[rule] = prg
	e.mu.Unlock()
	return prg, nil
}

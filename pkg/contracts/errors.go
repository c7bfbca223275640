package contracts

import (
	"errors"
	"fmt"
)

// Error taxonomy for the workflow engine and ledger. Callers classify
// failures with errors.Is against these sentinels.
var (
	// ErrValidation marks a violated precondition (wrong status,
	// out-of-order step, missing role authorization). Not retryable.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a lost race for a row lock or a sequence
	// collision. Safe to retry after re-reading state.
	ErrConflict = errors.New("conflict")
	// ErrPolicyViolation marks an attempt to force autonomy approval
	// outside policy bounds. Always rejected.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrIntegrity marks a signature or hash-chain link that failed to
	// validate. Never auto-repaired; distinct from not-found so
	// compliance tooling can alarm on it specifically.
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotFound marks a missing submission, step, or entry.
	ErrNotFound = errors.New("not found")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, a...))
}

// PolicyViolationf wraps ErrPolicyViolation with a formatted detail message.
func PolicyViolationf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyViolation, fmt.Sprintf(format, a...))
}

// Integrityf wraps ErrIntegrity with a formatted detail message.
func Integrityf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, a...))
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, a...))
}

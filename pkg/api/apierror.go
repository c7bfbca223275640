// Package api exposes the workflow engine and the audit ledger over
// HTTP. Error responses use RFC 7807 problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pursuitworks/govern/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 problem response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://govern.pursuitworks.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteDomainError maps the workflow error taxonomy onto HTTP statuses.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, contracts.ErrValidation):
		WriteError(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrConflict):
		WriteError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrPolicyViolation):
		WriteError(w, http.StatusForbidden, "Policy Violation", err.Error())
	case errors.Is(err, contracts.ErrIntegrity):
		WriteError(w, http.StatusInternalServerError, "Integrity Failure", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "Internal Server Error", "unexpected error")
	}
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

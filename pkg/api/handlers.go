package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pursuitworks/govern/pkg/contracts"
	"github.com/pursuitworks/govern/pkg/workflow"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func requireActor(w http.ResponseWriter, r *http.Request) (workflow.Actor, bool) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return workflow.Actor{}, false
	}
	return actor, true
}

type createDraftRequest struct {
	OpportunityID  string    `json:"opportunity_id"`
	Title          string    `json:"title"`
	EstimatedValue float64   `json:"estimated_value"`
	Category       string    `json:"category"`
	DueDate        time.Time `json:"due_date"`
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sub, err := s.engine.CreateDraft(r.Context(), workflow.DraftRequest{
		OpportunityID:  req.OpportunityID,
		OwnerID:        actor.ID,
		Title:          req.Title,
		EstimatedValue: req.EstimatedValue,
		Category:       req.Category,
		DueDate:        req.DueDate,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	subs, err := s.engine.ListSubmissions(r.Context(),
		contracts.SubmissionStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, steps, err := s.engine.Submission(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission": sub,
		"steps":      steps,
	})
}

type requestApprovalRequest struct {
	ForceAutonomy bool `json:"force_autonomy"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req requestApprovalRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	out, err := s.engine.RequestApproval(r.Context(), r.PathValue("id"), actor, workflow.RequestOptions{
		ForceAutonomy: req.ForceAutonomy,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (s *Server) handleApproveStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	out, err := s.engine.ApproveStep(r.Context(), r.PathValue("id"), r.PathValue("step"), actor, req.Notes)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRejectStep(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	out, err := s.engine.RejectStep(r.Context(), r.PathValue("id"), r.PathValue("step"), actor, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	sub, err := s.engine.Withdraw(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"

	out, err := s.engine.Finalize(r.Context(), r.PathValue("id"), actor, dryRun)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type compensateRequest struct {
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

func (s *Server) handleCompensate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req compensateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := s.engine.Compensate(r.Context(), r.PathValue("id"), req.Sequence, actor, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type runResultRequest struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req runResultRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := s.engine.RecordAutomationResult(r.Context(), r.PathValue("id"), req.Success, req.Detail)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.engine.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": trail})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifyChain(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	verified, err := s.engine.VerifyEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verified)
}

// handleExportPack builds the submission's evidence pack. With a pack
// store configured the archive is published and referenced by checksum;
// without one the zip streams back directly.
func (s *Server) handleExportPack(w http.ResponseWriter, r *http.Request) {
	submissionID := r.PathValue("id")

	if s.packs != nil {
		checksum, key, err := s.exporter.Publish(r.Context(), s.packs, submissionID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"checksum": checksum,
			"key":      key,
		})
		return
	}

	data, checksum, err := s.exporter.BuildPack(r.Context(), submissionID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Pack-Checksum", checksum)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+submissionID+".zip\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

package api

import (
	"log/slog"
	"net/http"

	"github.com/pursuitworks/govern/pkg/audit"
	"github.com/pursuitworks/govern/pkg/audit/blob"
	"github.com/pursuitworks/govern/pkg/workflow"
)

// Server wires the workflow engine and the audit exporter to HTTP.
type Server struct {
	engine   *workflow.Engine
	exporter *audit.Exporter
	packs    blob.Store
	logger   *slog.Logger
}

// NewServer builds the API server. packs may be nil; the export
// endpoint then streams the archive instead of publishing it.
func NewServer(engine *workflow.Engine, exporter *audit.Exporter, packs blob.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, exporter: exporter, packs: packs, logger: logger}
}

// Handler builds the route table wrapped in the auth middleware.
func (s *Server) Handler(validator *JWTValidator) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/submissions", s.handleCreateDraft)
	mux.HandleFunc("GET /api/submissions", s.handleListSubmissions)
	mux.HandleFunc("GET /api/submissions/{id}", s.handleGetSubmission)
	mux.HandleFunc("POST /api/submissions/{id}/request-approval", s.handleRequestApproval)
	mux.HandleFunc("POST /api/submissions/{id}/steps/{step}/approve", s.handleApproveStep)
	mux.HandleFunc("POST /api/submissions/{id}/steps/{step}/reject", s.handleRejectStep)
	mux.HandleFunc("POST /api/submissions/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /api/submissions/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /api/runs/{id}/result", s.handleRunResult)

	mux.HandleFunc("GET /api/submissions/{id}/audit", s.handleAuditTrail)
	mux.HandleFunc("GET /api/submissions/{id}/audit/verify", s.handleVerifyChain)
	mux.HandleFunc("POST /api/submissions/{id}/audit/export", s.handleExportPack)
	mux.HandleFunc("POST /api/submissions/{id}/audit/compensate", s.handleCompensate)
	mux.HandleFunc("GET /api/audit/entries/{id}/verify", s.handleVerifyEntry)

	return AuthMiddleware(validator)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

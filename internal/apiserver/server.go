// Package apiserver wires the Ledger, Approval Service, Orchestrator, and
// Event Stream endpoints into the Client API from §6: JSON-over-HTTP run and
// approval management, plus the SSE/WS event streams.
//
// Grounded on the teacher's internal/controlplane/server.Server (New/Run/Close
// lifecycle, http.ServeMux route table, writeJSONError response shape),
// trimmed to this control plane's surface — no auth/session/webhook/LLM
// subsystems, since none of those appear in the expanded specification.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/runctl/internal/approval"
	"github.com/marcus-qen/runctl/internal/contract"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/orchestrator"
	"github.com/marcus-qen/runctl/internal/statemachine"
	"github.com/marcus-qen/runctl/internal/streamapi"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// Server is the assembled control plane HTTP API.
type Server struct {
	ledger       *ledger.Ledger
	orchestrator *orchestrator.Orchestrator
	approvals    *approval.Service
	stream       *streamapi.Handler
	logger       *zap.Logger

	listenAddr string
	httpServer *http.Server
}

// New assembles a Server. listenAddr is e.g. ":8090".
func New(listenAddr string, l *ledger.Ledger, orch *orchestrator.Orchestrator, appr *approval.Service, stream *streamapi.Handler, logger *zap.Logger) *Server {
	s := &Server{
		ledger: l, orchestrator: orch, approvals: appr, stream: stream, logger: logger,
		listenAddr: listenAddr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/board", s.handleBoard)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /runs/{id}/session", s.handleSession)
	mux.HandleFunc("GET /runs/{id}/stream", s.stream.ServeSSE)
	mux.HandleFunc("GET /runs/{id}/stream/ws", s.stream.ServeWS)

	mux.HandleFunc("GET /approvals", s.handleListApprovals)
	mux.HandleFunc("POST /approvals/{checkpoint_id}/approve", s.handleApprove)
	mux.HandleFunc("POST /approvals/{checkpoint_id}/reject", s.handleReject)
	mux.HandleFunc("POST /approvals/{checkpoint_id}/edit", s.handleEdit)

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Run starts the server and blocks until ctx is cancelled, then gracefully
// shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting control plane", zap.String("addr", s.listenAddr), zap.String("version", Version))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version, "commit": Commit})
}

// createRunRequest is the POST /runs body.
type createRunRequest struct {
	WorkspaceID  string            `json:"workspace_id"`
	AgentSlug    string            `json:"agent_slug"`
	Template     string            `json:"template"`
	Scopes       []string          `json:"scopes,omitempty"`
	EnvAllowlist []string          `json:"env_allowlist,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Contract     contract.Contract `json:"contract"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	if req.WorkspaceID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "workspace_id required")
		return
	}
	if violations := contract.Preflight(&req.Contract); len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "contract_invalid", "violations": msgs})
		return
	}

	run, err := s.orchestrator.Start(r.Context(), orchestrator.RunSpec{
		WorkspaceID:  req.WorkspaceID,
		AgentSlug:    req.AgentSlug,
		Template:     req.Template,
		Scopes:       req.Scopes,
		EnvAllowlist: req.EnvAllowlist,
		Env:          req.Env,
		Contract:     req.Contract,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ledger.GetRun(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	state := r.URL.Query().Get("state")

	var runs []*ledger.Run
	switch {
	case state != "":
		runs = s.ledger.ListByState(statemachine.State(state))
	case workspaceID != "":
		runs = s.ledger.ListByWorkspace(workspaceID)
	default:
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "workspace_id or state required")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.KanbanBoard())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Pause(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusConflict, "pause_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Resume(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusConflict, "resume_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}
	if err := s.orchestrator.Cancel(r.PathValue("id"), req.Reason); err != nil {
		writeJSONError(w, http.StatusConflict, "cancel_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.orchestrator.Session(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "no session for run")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	actionType := r.URL.Query().Get("action_type")
	writeJSON(w, http.StatusOK, s.approvals.Pending(runID, actionType))
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
	Source     string `json:"source"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	src := approval.Source(req.Source)
	if src == "" {
		src = approval.SourceAPI
	}
	a, err := s.approvals.Approve(r.PathValue("checkpoint_id"), req.ApproverID, src)
	writeApprovalResult(w, a, err)
}

type rejectRequest struct {
	Reason     string `json:"reason"`
	RejectorID string `json:"rejector_id"`
	Source     string `json:"source"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	src := approval.Source(req.Source)
	if src == "" {
		src = approval.SourceAPI
	}
	a, err := s.approvals.Reject(r.PathValue("checkpoint_id"), approval.RejectReason(req.Reason), req.RejectorID, src)
	writeApprovalResult(w, a, err)
}

type editRequest struct {
	Preview  map[string]any `json:"preview"`
	EditorID string         `json:"editor_id"`
	Source   string         `json:"source"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}
	src := approval.Source(req.Source)
	if src == "" {
		src = approval.SourceAPI
	}
	a, err := s.approvals.Edit(r.PathValue("checkpoint_id"), req.Preview, req.EditorID, src)
	writeApprovalResult(w, a, err)
}

func writeApprovalResult(w http.ResponseWriter, a *approval.Approval, err error) {
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, a)
	case approval.ErrNotFound:
		writeJSONError(w, http.StatusNotFound, "not_found", "checkpoint not found")
	case approval.ErrConflict:
		writeJSONError(w, http.StatusConflict, "conflict", "checkpoint already resolved")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

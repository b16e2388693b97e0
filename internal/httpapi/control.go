// Package httpapi exposes the workflow control surface and the live
// event streams over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/caseweave/orchestrator/internal/capabilities"
	"github.com/caseweave/orchestrator/internal/workflows"
)

// ControlHandler serves start/pause/resume/cancel/status.
type ControlHandler struct {
	engine *workflows.Engine
	logger *zap.Logger
}

// NewControlHandler wraps the engine.
func NewControlHandler(engine *workflows.Engine, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{engine: engine, logger: logger}
}

// RegisterRoutes registers the control endpoints on the provided mux.
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows", h.handleWorkflows)
	mux.HandleFunc("/api/v1/workflows/", h.handleWorkflow)
}

type startRequest struct {
	CaseID string `json:"case_id"`
	Query  string `json:"query,omitempty"`
}

type startResponse struct {
	RunID string `json:"run_id"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *ControlHandler) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	runID, err := h.engine.Start(r.Context(), workflows.StartRequest{CaseID: req.CaseID, Query: req.Query})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{RunID: runID})
}

// handleWorkflow routes /api/v1/workflows/{id}[/pause|resume|cancel].
func (h *ControlHandler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/workflows/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleStatus(w, r, runID)
	case action == "pause" && r.Method == http.MethodPost:
		h.respond(w, h.engine.Pause(r.Context(), runID))
	case action == "resume" && r.Method == http.MethodPost:
		h.respond(w, h.engine.Resume(r.Context(), runID))
	case action == "cancel" && r.Method == http.MethodPost:
		var req cancelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		h.respond(w, h.engine.Cancel(r.Context(), runID, req.Reason))
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (h *ControlHandler) handleStatus(w http.ResponseWriter, r *http.Request, runID string) {
	snap, err := h.engine.GetStatus(r.Context(), runID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *ControlHandler) respond(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ControlHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflows.ErrRunNotFound), errors.Is(err, capabilities.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflows.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflows.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Control operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
)

// ProcessHandler serves the runner-facing process registry endpoints.
// These are the HTTP complement to the process-exited event: the runner
// registers a child as soon as it spawns, before any port is detected, so
// the broker knows about it even if the session drops mid-start.
type ProcessHandler struct {
	processes repositories.RunningProcessRepository
	ports     *ports.Allocator
	logger    *zap.Logger
}

// NewProcessHandler creates a ProcessHandler.
func NewProcessHandler(processes repositories.RunningProcessRepository, alloc *ports.Allocator, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		processes: processes,
		ports:     alloc,
		logger:    logger.Named("process_handler"),
	}
}

// registerProcessRequest is the body of POST /runner/process/register.
type registerProcessRequest struct {
	ProjectID string `json:"projectId"`
	RunnerID  string `json:"runnerId"`
	PID       int    `json:"pid"`
	Command   string `json:"command"`
	Port      int    `json:"port,omitempty"`
}

// Register handles POST /runner/process/register.
func (h *ProcessHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerProcessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrBadRequest(w, "projectId must be a UUID")
		return
	}
	if req.PID <= 0 {
		ErrBadRequest(w, "pid is required")
		return
	}

	proc := &db.RunningProcess{
		ProjectID: projectID,
		PID:       req.PID,
		Command:   req.Command,
		Port:      req.Port,
		RunnerID:  req.RunnerID,
		StartedAt: time.Now().UTC(),
	}
	if err := h.processes.Upsert(r.Context(), proc); err != nil {
		h.logger.Error("registering process", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, envelope{"ok": true})
}

// Unregister handles DELETE /runner/process/{projectID}. Also releases the
// project's port reservation — the process is gone either way.
func (h *ProcessHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		ErrBadRequest(w, "projectID must be a UUID")
		return
	}

	if err := h.processes.Delete(r.Context(), projectID); err != nil {
		h.logger.Error("unregistering process", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.ports.Release(r.Context(), projectID); err != nil {
		h.logger.Warn("releasing port on unregister", zap.Error(err))
	}

	NoContent(w)
}

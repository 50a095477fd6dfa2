package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// dispatchWait bounds how long the HTTP handler waits for the runner's
// ack before answering 504. The command stays queued past this deadline.
const dispatchWait = 30 * time.Second

// CommandHandler accepts commands from the UI and dispatches them to
// runners, enforcing project ownership and the project→runner binding.
type CommandHandler struct {
	projects repositories.ProjectRepository
	messages repositories.MessageRepository
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	ports    *ports.Allocator
	logger   *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(
	projects repositories.ProjectRepository,
	messages repositories.MessageRepository,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	alloc *ports.Allocator,
	logger *zap.Logger,
) *CommandHandler {
	return &CommandHandler{
		projects: projects,
		messages: messages,
		registry: reg,
		dispatch: disp,
		ports:    alloc,
		logger:   logger.Named("command_handler"),
	}
}

// commandRequest is the body of POST /runner/command.
type commandRequest struct {
	RunnerID  string               `json:"runnerId"`
	Type      protocol.CommandType `json:"type"`
	ProjectID string               `json:"projectId,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
}

// commandResponse acknowledges an accepted command.
type commandResponse struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"commandId"`
	Rerouted  bool   `json:"rerouted,omitempty"`
}

// Dispatch handles POST /runner/command.
//
// For project-scoped commands the project must belong to the caller, and
// the project→runner binding is enforced: an unbound project is bound to
// the requested runner atomically with the enqueue of its first build; a
// mismatched runner is a 409. delete-project-files is the one escape
// hatch — when the bound runner is offline it may reroute to another of
// the caller's attached runners, since wiping a stale copy beats wedging
// the project forever.
func (h *CommandHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RunnerID == "" {
		ErrBadRequest(w, "runnerId is required")
		return
	}

	cmd := &protocol.Command{
		ID:        uuid.NewString(),
		Type:      req.Type,
		ProjectID: req.ProjectID,
		Timestamp: time.Now().UTC(),
		Payload:   req.Payload,
	}
	if err := cmd.Validate(); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	// Health probes are runner-scoped; no project, no binding.
	if req.ProjectID == "" {
		h.send(w, r, req.RunnerID, cmd, false)
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		ErrBadRequest(w, "projectId must be a UUID")
		return
	}

	project, err := h.projects.GetByID(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading project", zap.Error(err))
		ErrInternal(w)
		return
	}
	// A project another user happens to know the id of looks absent, not
	// forbidden.
	if project.UserID.String() != claims.UserID {
		ErrNotFound(w)
		return
	}

	targetRunner := req.RunnerID
	rerouted := false

	switch {
	case project.RunnerID == "":
		// First build binds; other commands on an unbound project have no
		// files to act on yet.
		if req.Type != protocol.CmdStartBuild {
			ErrConflict(w, "project is not bound to a runner yet")
			return
		}
		// Bind only against a live runner so a typo'd runnerId does not
		// permanently claim the project.
		if !h.registry.IsAttached(req.RunnerID) {
			ErrRunnerDisconnected(w)
			return
		}
		if err := h.projects.BindRunner(r.Context(), projectID, req.RunnerID); err != nil {
			if errors.Is(err, repositories.ErrRunnerMismatch) {
				ErrConflict(w, "project is bound to a different runner")
				return
			}
			h.logger.Error("binding runner", zap.Error(err))
			ErrInternal(w)
			return
		}

	case project.RunnerID != req.RunnerID:
		ErrConflict(w, "project is bound to a different runner")
		return

	default:
		// Bound to the requested runner. If it is offline, most commands
		// fail fast — but delete-project-files may reroute.
		if !h.registry.IsAttached(project.RunnerID) {
			if req.Type != protocol.CmdDeleteProjectFiles {
				ErrRunnerDisconnected(w)
				return
			}
			alt, ok := h.findAltRunner(claims.UserID, project.RunnerID)
			if !ok {
				ErrRunnerDisconnected(w)
				return
			}
			h.logger.Info("rerouting delete-project-files",
				zap.String("project_id", req.ProjectID),
				zap.String("bound_runner", project.RunnerID),
				zap.String("target_runner", alt),
			)
			targetRunner = alt
			rerouted = true
		}
	}

	h.prepare(r, cmd, projectID, claims.UserID)
	h.send(w, r, targetRunner, cmd, rerouted)
}

// prepare applies per-type side effects before dispatch: the user message
// row for builds, the port reservation for dev servers.
func (h *CommandHandler) prepare(r *http.Request, cmd *protocol.Command, projectID uuid.UUID, userID string) {
	switch cmd.Type {
	case protocol.CmdStartBuild:
		var p protocol.StartBuildPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Prompt == "" {
			return
		}
		parts, _ := json.Marshal([]map[string]string{{"type": "text", "text": p.Prompt}})
		msg := &db.Message{
			ProjectID: projectID,
			CommandID: cmd.ID,
			Role:      "user",
			Parts:     string(parts),
		}
		if err := h.messages.Create(r.Context(), msg); err != nil {
			h.logger.Warn("recording user prompt", zap.Error(err))
		}

	case protocol.CmdStartDevServer:
		var p protocol.StartDevServerPayload
		if len(cmd.Payload) > 0 {
			_ = json.Unmarshal(cmd.Payload, &p)
		}
		port, err := h.ports.ReserveFor(r.Context(), projectID, p.PreferredPort)
		if err != nil {
			h.logger.Warn("reserving dev-server port", zap.Error(err))
			return
		}
		p.PreferredPort = port
		patched, err := json.Marshal(p)
		if err != nil {
			return
		}
		cmd.Payload = patched
	}
}

// findAltRunner picks any other attached runner owned by the same user.
func (h *CommandHandler) findAltRunner(userID, exclude string) (string, bool) {
	for _, runner := range h.registry.Attached() {
		if runner.ID != exclude && runner.UserID == userID {
			return runner.ID, true
		}
	}
	return "", false
}

// send dispatches and translates delivery failures to HTTP.
func (h *CommandHandler) send(w http.ResponseWriter, r *http.Request, runnerID string, cmd *protocol.Command, rerouted bool) {
	ctx, cancel := context.WithTimeout(r.Context(), dispatchWait)
	defer cancel()

	err := h.dispatch.Send(ctx, runnerID, cmd)
	switch {
	case err == nil:
		Accepted(w, commandResponse{OK: true, CommandID: cmd.ID, Rerouted: rerouted})
	case errors.Is(err, dispatch.ErrRunnerNotConnected):
		ErrRunnerDisconnected(w)
	case errors.Is(err, dispatch.ErrQueueFull):
		errJSON(w, http.StatusServiceUnavailable, "runner command queue is full", "queue_full")
	case errors.Is(err, dispatch.ErrAckTimeout), errors.Is(err, dispatch.ErrExpired):
		ErrGatewayTimeout(w)
	default:
		// Caller deadline. The command remains queued; the UI can still
		// follow its event stream by command id.
		ErrGatewayTimeout(w)
	}
}

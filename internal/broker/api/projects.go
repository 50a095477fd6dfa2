package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// slugPattern validates user-supplied project slugs.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ProjectHandler groups project CRUD, transcript, and dev-server control.
type ProjectHandler struct {
	projects repositories.ProjectRepository
	messages repositories.MessageRepository
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	ports    *ports.Allocator
	logger   *zap.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(
	projects repositories.ProjectRepository,
	messages repositories.MessageRepository,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	alloc *ports.Allocator,
	logger *zap.Logger,
) *ProjectHandler {
	return &ProjectHandler{
		projects: projects,
		messages: messages,
		registry: reg,
		dispatch: disp,
		ports:    alloc,
		logger:   logger.Named("project_handler"),
	}
}

// projectResponse is the JSON representation of a project.
type projectResponse struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	RunnerID        string          `json:"runnerId,omitempty"`
	DevServerStatus string          `json:"devServerStatus"`
	DevServerPort   int             `json:"devServerPort,omitempty"`
	TunnelURL       string          `json:"tunnelUrl,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	GenerationState json.RawMessage `json:"generationState"`
	CreatedAt       string          `json:"createdAt"`
	LastActivityAt  *string         `json:"lastActivityAt"`
}

func projectToResponse(p *db.Project) projectResponse {
	resp := projectResponse{
		ID:              p.ID.String(),
		Slug:            p.Slug,
		Name:            p.Name,
		RunnerID:        p.RunnerID,
		DevServerStatus: p.DevServerStatus,
		DevServerPort:   p.DevServerPort,
		TunnelURL:       p.TunnelURL,
		ErrorMessage:    p.ErrorMessage,
		GenerationState: json.RawMessage(p.GenerationState),
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.LastActivityAt != nil {
		s := p.LastActivityAt.UTC().Format(time.RFC3339)
		resp.LastActivityAt = &s
	}
	return resp
}

// createProjectRequest is the body of POST /projects.
type createProjectRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Create handles POST /projects.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req createProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if !slugPattern.MatchString(req.Slug) {
		ErrBadRequest(w, "slug must be lowercase letters, digits, and hyphens")
		return
	}

	project := &db.Project{
		UserID:          userID,
		Slug:            req.Slug,
		Name:            req.Name,
		DevServerStatus: db.DevServerStopped,
	}
	if err := h.projects.Create(r.Context(), project); err != nil {
		h.logger.Error("creating project", zap.Error(err))
		ErrConflict(w, "slug already in use")
		return
	}

	Created(w, projectToResponse(project))
}

// List handles GET /projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	opts := listOptionsFromQuery(r)
	projects, total, err := h.projects.List(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("listing projects", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]projectResponse, 0, len(projects))
	for i := range projects {
		items = append(items, projectToResponse(&projects[i]))
	}
	Ok(w, envelope{"items": items, "total": total})
}

// GetByID handles GET /projects/{id}.
func (h *ProjectHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	Ok(w, projectToResponse(project))
}

// Delete handles DELETE /projects/{id}. This removes the broker's record
// only; wiping the runner's working copy is a separate
// delete-project-files command so the two failure domains stay distinct.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	if err := h.ports.Release(r.Context(), project.ID); err != nil {
		h.logger.Warn("releasing port on project delete", zap.Error(err))
	}
	if err := h.projects.Delete(r.Context(), project.ID); err != nil {
		h.logger.Error("deleting project", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// ListMessages handles GET /projects/{id}/messages.
func (h *ProjectHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	opts := listOptionsFromQuery(r)
	msgs, total, err := h.messages.ListByProject(r.Context(), project.ID, opts)
	if err != nil {
		h.logger.Error("listing messages", zap.Error(err))
		ErrInternal(w)
		return
	}

	type messageResponse struct {
		ID        string          `json:"id"`
		CommandID string          `json:"commandId,omitempty"`
		Role      string          `json:"role"`
		Parts     json.RawMessage `json:"parts"`
		CreatedAt string          `json:"createdAt"`
	}
	items := make([]messageResponse, 0, len(msgs))
	for i := range msgs {
		items = append(items, messageResponse{
			ID:        msgs[i].ID.String(),
			CommandID: msgs[i].CommandID,
			Role:      msgs[i].Role,
			Parts:     json.RawMessage(msgs[i].Parts),
			CreatedAt: msgs[i].CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	Ok(w, envelope{"items": items, "total": total})
}

// startRequest is the optional body of POST /projects/{id}/start.
type startRequest struct {
	RunCommand    string `json:"runCommand,omitempty"`
	PreferredPort int    `json:"preferredPort,omitempty"`
}

// Start handles POST /projects/{id}/start: reserves a port and enqueues
// start-dev-server on the bound runner.
func (h *ProjectHandler) Start(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	if project.RunnerID == "" {
		ErrConflict(w, "project is not bound to a runner yet")
		return
	}
	if !h.registry.IsAttached(project.RunnerID) {
		ErrRunnerDisconnected(w)
		return
	}

	var req startRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	port, err := h.ports.ReserveFor(r.Context(), project.ID, req.PreferredPort)
	if err != nil {
		h.logger.Error("reserving port", zap.Error(err))
		ErrInternal(w)
		return
	}

	payload, _ := json.Marshal(protocol.StartDevServerPayload{
		RunCommand:    req.RunCommand,
		PreferredPort: port,
	})
	cmd := &protocol.Command{
		ID:        uuid.NewString(),
		Type:      protocol.CmdStartDevServer,
		ProjectID: project.ID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if err := h.projects.UpdateDevServer(r.Context(), project.ID, db.DevServerStarting, port, 0, ""); err != nil {
		h.logger.Warn("marking project starting", zap.Error(err))
	}

	h.sendCommand(w, r, project.RunnerID, cmd)
}

// Stop handles POST /projects/{id}/stop.
func (h *ProjectHandler) Stop(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	if project.RunnerID == "" || !h.registry.IsAttached(project.RunnerID) {
		ErrRunnerDisconnected(w)
		return
	}

	cmd := &protocol.Command{
		ID:        uuid.NewString(),
		Type:      protocol.CmdStopDevServer,
		ProjectID: project.ID.String(),
		Timestamp: time.Now().UTC(),
	}

	if err := h.projects.UpdateDevServer(r.Context(), project.ID, db.DevServerStopping, project.DevServerPort, project.DevServerPID, ""); err != nil {
		h.logger.Warn("marking project stopping", zap.Error(err))
	}

	h.sendCommand(w, r, project.RunnerID, cmd)
}

// sendCommand shares the dispatch-to-HTTP error translation with the
// command handler's flow.
func (h *ProjectHandler) sendCommand(w http.ResponseWriter, r *http.Request, runnerID string, cmd *protocol.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), dispatchWait)
	defer cancel()

	err := h.dispatch.Send(ctx, runnerID, cmd)
	switch {
	case err == nil:
		Accepted(w, commandResponse{OK: true, CommandID: cmd.ID})
	case errors.Is(err, dispatch.ErrRunnerNotConnected):
		ErrRunnerDisconnected(w)
	case errors.Is(err, dispatch.ErrQueueFull):
		errJSON(w, http.StatusServiceUnavailable, "runner command queue is full", "queue_full")
	default:
		ErrGatewayTimeout(w)
	}
}

// ownedProject loads the {id} project and enforces ownership, writing the
// error response itself on failure.
func (h *ProjectHandler) ownedProject(w http.ResponseWriter, r *http.Request) (*db.Project, bool) {
	claims := claimsFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "id must be a UUID")
		return nil, false
	}

	project, err := h.projects.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("loading project", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if project.UserID.String() != claims.UserID {
		ErrNotFound(w)
		return nil, false
	}
	return project, true
}

// listOptionsFromQuery reads limit/offset with sane defaults.
func listOptionsFromQuery(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

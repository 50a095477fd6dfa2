package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/registry"
)

// RunnerHandler serves runner presence queries.
type RunnerHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewRunnerHandler creates a RunnerHandler.
func NewRunnerHandler(reg *registry.Registry, logger *zap.Logger) *RunnerHandler {
	return &RunnerHandler{
		registry: reg,
		logger:   logger.Named("runner_handler"),
	}
}

// connectionResponse describes one attached runner.
type connectionResponse struct {
	RunnerID        string `json:"runnerId"`
	UserID          string `json:"userId,omitempty"`
	Version         string `json:"version,omitempty"`
	Platform        string `json:"platform,omitempty"`
	AttachedAt      string `json:"attachedAt"`
	LastHeartbeatAt string `json:"lastHeartbeatAt"`
}

// Status handles GET /runner/status. Only the caller's own runners are
// listed.
func (h *RunnerHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	connections := make([]connectionResponse, 0)
	for _, runner := range h.registry.Attached() {
		if runner.UserID != claims.UserID {
			continue
		}
		connections = append(connections, connectionResponse{
			RunnerID:        runner.ID,
			UserID:          runner.UserID,
			Version:         runner.Version,
			Platform:        runner.Platform,
			AttachedAt:      runner.ConnectedAt.UTC().Format(time.RFC3339),
			LastHeartbeatAt: runner.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	}

	Ok(w, envelope{"connections": connections})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/auth"
	"github.com/codyde/sentryvibe/internal/broker/dispatch"
	"github.com/codyde/sentryvibe/internal/broker/events"
	"github.com/codyde/sentryvibe/internal/broker/metrics"
	"github.com/codyde/sentryvibe/internal/broker/ports"
	"github.com/codyde/sentryvibe/internal/broker/registry"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
	"github.com/codyde/sentryvibe/internal/broker/session"
	"github.com/codyde/sentryvibe/internal/broker/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Keys     *runnerkeys.Store
	Registry *registry.Registry
	Dispatch *dispatch.Dispatcher
	Router   *events.Router
	Ports    *ports.Allocator
	Hub      *websocket.Hub
	JWT      *auth.JWTManager
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Projects  repositories.ProjectRepository
	Messages  repositories.MessageRepository
	Processes repositories.RunningProcessRepository

	// LocalMode makes unauthenticated UI requests act as the fixed local
	// user instead of failing with 401. Single-developer installs run this
	// way; hosted installs must not.
	LocalMode bool
}

// NewRouter builds and returns the fully configured Chi router.
// All API routes are registered under /api/v1; /healthz and /metrics sit
// at the root alongside the runner attach endpoint's canonical path.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	commandHandler := NewCommandHandler(cfg.Projects, cfg.Messages, cfg.Registry, cfg.Dispatch, cfg.Ports, cfg.Logger)
	projectHandler := NewProjectHandler(cfg.Projects, cfg.Messages, cfg.Registry, cfg.Dispatch, cfg.Ports, cfg.Logger)
	keyHandler := NewKeyHandler(cfg.Keys, cfg.Logger)
	runnerHandler := NewRunnerHandler(cfg.Registry, cfg.Logger)
	processHandler := NewProcessHandler(cfg.Processes, cfg.Ports, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWT, cfg.LocalMode, cfg.Logger)
	attachHandler := NewAttachHandler(session.Deps{
		Keys:     cfg.Keys,
		Registry: cfg.Registry,
		Dispatch: cfg.Dispatch,
		Router:   cfg.Router,
		Logger:   cfg.Logger,
	})

	// --- Operational endpoints (no authentication) ---
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	r.Handle("/metrics", cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Runner attach — authentication happens inside the socket via the
		// first attach frame, so no HTTP middleware guards it.
		r.Get("/runner/attach", attachHandler.ServeAttach)

		// --- UI routes (valid JWT, or local mode) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWT, cfg.LocalMode))

			// Command dispatch and runner presence
			r.Post("/runner/command", commandHandler.Dispatch)
			r.Get("/runner/status", runnerHandler.Status)

			// Runner keys
			r.Post("/runner-keys", keyHandler.Create)
			r.Get("/runner-keys", keyHandler.List)
			r.Delete("/runner-keys/{id}", keyHandler.Revoke)

			// Projects
			r.Post("/projects", projectHandler.Create)
			r.Get("/projects", projectHandler.List)
			r.Get("/projects/{id}", projectHandler.GetByID)
			r.Delete("/projects/{id}", projectHandler.Delete)
			r.Get("/projects/{id}/messages", projectHandler.ListMessages)
			r.Post("/projects/{id}/start", projectHandler.Start)
			r.Post("/projects/{id}/stop", projectHandler.Stop)
		})

		// UI event stream — token arrives as a query parameter, so the
		// handler does its own auth instead of using the middleware.
		r.Get("/ws", wsHandler.ServeWS)

		// --- Runner-facing routes (runner key required) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateRunner(cfg.Keys))

			r.Post("/runner/process/register", processHandler.Register)
			r.Delete("/runner/process/{projectID}", processHandler.Unregister)
		})
	})

	return r
}

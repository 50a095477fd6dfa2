package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/auth"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
	"github.com/codyde/sentryvibe/internal/broker/session"
	"github.com/codyde/sentryvibe/internal/broker/websocket"
)

// WSHandler handles the UI WebSocket upgrade endpoint GET /api/v1/ws.
// Authentication uses a JWT passed as the `token` query parameter instead
// of the Authorization header — browsers cannot set custom headers on
// WebSocket connections opened via the native WebSocket API. In local
// mode an absent token maps to the fixed local user.
//
// Topic subscription is declared at connection time via the `topics`
// query parameter. The runners presence topic is always added so every
// client sees attach/detach transitions.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<jwt>&topics=command:uuid1,project:uuid2
type WSHandler struct {
	hub       *websocket.Hub
	jwtMgr    *auth.JWTManager
	localMode bool
	logger    *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *websocket.Hub, jwtMgr *auth.JWTManager, localMode bool, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:       hub,
		jwtMgr:    jwtMgr,
		localMode: localMode,
		logger:    logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws. It authenticates the request, builds
// the topic list, upgrades the connection, and runs the client pumps.
// The handler blocks until the connection closes — expected for
// WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := ""
	tokenStr := r.URL.Query().Get("token")
	switch {
	case tokenStr != "":
		claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
		if err != nil {
			ErrUnauthorized(w)
			return
		}
		userID = claims.UserID
	case h.localMode:
		userID = runnerkeys.LocalUserID.String()
	default:
		ErrUnauthorized(w)
		return
	}

	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. The pumps handle cleanup and
	// hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics builds the topic list for a client connection: explicit
// topics from the comma-separated `topics` query parameter plus the
// runners presence topic. Unknown topic strings are harmless — the client
// simply never receives messages for topics nothing publishes to.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add(websocket.TopicRunners)

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}

// AttachHandler handles the runner WebSocket endpoint GET /api/v1/runner/attach.
// Unlike the UI endpoint, authentication happens inside the socket: the
// first frame must be an attach request carrying the runner key.
type AttachHandler struct {
	deps session.Deps
}

// NewAttachHandler creates an AttachHandler.
func NewAttachHandler(deps session.Deps) *AttachHandler {
	return &AttachHandler{deps: deps}
}

// ServeAttach upgrades the connection and runs the runner session to
// completion.
func (h *AttachHandler) ServeAttach(w http.ResponseWriter, r *http.Request) {
	session.Handle(w, r, h.deps)
}

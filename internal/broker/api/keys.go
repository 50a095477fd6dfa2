package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/db"
	"github.com/codyde/sentryvibe/internal/broker/repositories"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
)

// KeyHandler groups the runner-key lifecycle endpoints.
type KeyHandler struct {
	keys   *runnerkeys.Store
	logger *zap.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys *runnerkeys.Store, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		keys:   keys,
		logger: logger.Named("key_handler"),
	}
}

// keyResponse is the JSON representation of a runner key. The plaintext is
// intentionally excluded — it is only shown once at creation time via
// keyCreateResponse.
type keyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	KeyPrefix  string  `json:"keyPrefix"`
	LastUsedAt *string `json:"lastUsedAt"`
	RevokedAt  *string `json:"revokedAt"`
	CreatedAt  string  `json:"createdAt"`
}

// keyCreateResponse extends keyResponse with the plaintext key, shown only
// once at creation. It cannot be recovered after this.
type keyCreateResponse struct {
	keyResponse
	Key string `json:"key"`
}

// keyToResponse converts a db.RunnerKey to its API shape.
func keyToResponse(k *db.RunnerKey) keyResponse {
	resp := keyResponse{
		ID:        k.ID.String(),
		Name:      k.Name,
		KeyPrefix: k.KeyPrefix,
		CreatedAt: k.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if k.LastUsedAt != nil {
		s := k.LastUsedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastUsedAt = &s
	}
	if k.RevokedAt != nil {
		s := k.RevokedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.RevokedAt = &s
	}
	return resp
}

// createKeyRequest is the body of POST /runner-keys.
type createKeyRequest struct {
	Name string `json:"name"`
}

// Create handles POST /runner-keys.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	issued, err := h.keys.Issue(r.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("issuing runner key", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, keyCreateResponse{
		keyResponse: keyResponse{
			ID:        issued.ID.String(),
			Name:      req.Name,
			KeyPrefix: issued.Prefix,
		},
		Key: issued.Plaintext,
	})
}

// List handles GET /runner-keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	keys, err := h.keys.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing runner keys", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]keyResponse, 0, len(keys))
	for i := range keys {
		items = append(items, keyToResponse(&keys[i]))
	}
	Ok(w, envelope{"items": items})
}

// Revoke handles DELETE /runner-keys/{id}.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "id must be a UUID")
		return
	}

	if err := h.keys.Revoke(r.Context(), userID, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("revoking runner key", zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/auth"
	"github.com/codyde/sentryvibe/internal/broker/runnerkeys"
)

// contextKey is an unexported type for context keys defined in this
// package, preventing collisions with keys from other packages.
type contextKey int

const (
	// contextKeyUser holds the authenticated *auth.Claims after JWT
	// validation.
	contextKeyUser contextKey = iota

	// contextKeyRunnerUser holds the user id resolved from a runner key on
	// runner-facing endpoints.
	contextKeyRunnerUser
)

// Authenticate validates the JWT bearer token in the Authorization header
// and stores the parsed claims in the request context. In local mode
// (localMode true) requests without a token are attributed to the fixed
// local user instead of being rejected, so a single-user setup needs no
// login flow.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(jwtMgr *auth.JWTManager, localMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if localMode {
					claims := &auth.Claims{UserID: runnerkeys.LocalUserID.String()}
					ctx := context.WithValue(r.Context(), contextKeyUser, claims)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateRunner validates a runner key presented as a bearer token on
// the runner-facing HTTP endpoints (process register/unregister). The
// resolved owning user id is stored in the request context.
func AuthenticateRunner(keys *runnerkeys.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			_, userID, err := keys.Authenticate(r.Context(), parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyRunnerUser, userID.String())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// with the provided zap logger. Chi's middleware.RequestID is expected to
// run before it so the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by Authenticate. Returns
// nil for unauthenticated requests.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}

// runnerUserFromCtx retrieves the user id stored by AuthenticateRunner.
func runnerUserFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRunnerUser).(string)
	return id
}

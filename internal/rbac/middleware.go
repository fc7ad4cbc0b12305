package rbac

import (
	"log/slog"
	"net/http"

	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/httpx"
)

// Middleware wires authorization checks into HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require allows the request through only when the actor holds the
// permission. Store failure is a 503, never an allow: the check fails closed.
func (m Middleware) Require(code string) func(http.Handler) http.Handler {
	return m.RequireAny(code)
}

// RequireAny allows the request through when the actor holds at least one of
// the permissions.
func (m Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(codes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor context")
				return
			}
			for _, code := range codes {
				allowed, err := m.Service.CheckPermission(r.Context(), actor, code)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require", slog.String("permission", code), slog.Any("error", err))
					}
					httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Unavailable", "")
					return
				}
				if allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		})
	}
}

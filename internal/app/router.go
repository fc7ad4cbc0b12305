package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TheNyokabi/MoranIP-sub003/internal/audit"
	"github.com/TheNyokabi/MoranIP-sub003/internal/observability"
	"github.com/TheNyokabi/MoranIP-sub003/internal/rbac"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	TokenCodec     *TokenCodec
	RBACHandler    *rbac.Handler
	RBACMiddleware rbac.Middleware
	AuditHandler   *audit.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ActorMiddleware(params.TokenCodec, params.Logger))

		r.Route("/authz", func(r chi.Router) {
			params.RBACHandler.MountRoutes(r)
		})

		if params.AuditHandler != nil {
			r.Route("/audit", func(r chi.Router) {
				r.Use(params.RBACMiddleware.Require(rbac.PermAuditView))
				r.Get("/timeline", params.AuditHandler.Timeline)
				r.Get("/export", params.AuditHandler.ExportCSV)
			})
		}
	})

	return r
}

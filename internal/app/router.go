package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/gatehouse/internal/audit/http"
	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/observability"
	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Metrics         *observability.Metrics
	AuthzHandler    *authz.Handler
	IdentityHandler *identity.Handler
	CatalogHandler  *catalog.Handler
	LedgerHandler   *ledger.Handler
	AuditHandler    *audithttp.Handler
	JobHandler      *jobs.Handler
}

// NewRouter constructs the chi.Router with gatehouse defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if params.AuthzHandler != nil {
			r.Route("/authz", params.AuthzHandler.MountRoutes)
		}
		r.Route("/users", func(r chi.Router) {
			if params.IdentityHandler != nil {
				params.IdentityHandler.MountRoutes(r)
			}
			if params.LedgerHandler != nil {
				r.Route("/{userID}/roles", params.LedgerHandler.MountRoutes)
			}
		})
		if params.CatalogHandler != nil {
			r.Route("/roles", params.CatalogHandler.MountRoleRoutes)
			r.Route("/permissions", params.CatalogHandler.MountPermissionRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}

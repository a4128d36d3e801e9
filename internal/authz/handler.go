package authz

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Handler exposes decision endpoints for downstream services.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, resolver *Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver}
}

// MountRoutes registers /v1/authz routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/users/{userID}/permissions", h.permissions)
}

// mayListPermissions admits the user themselves and holders of USER_MGMT.
func (h *Handler) mayListPermissions(r *http.Request, userID int64) bool {
	actorID, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return false
	}
	return actorID == userID || h.resolver.HasPermission(r.Context(), actorID, shared.PermUserMgmt, time.Time{})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var q Query
	if err := httpx.DecodeJSON(r, &q); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.resolver.Decide(r.Context(), q))
}

type permissionsResponse struct {
	UserID      int64     `json:"user_id"`
	AsOf        time.Time `json:"as_of"`
	Permissions []string  `json:"permissions"`
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.mayListPermissions(r, userID) {
		httpx.Forbidden(w)
		return
	}
	asOf := h.resolver.now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			if h.logger != nil {
				h.logger.Debug("authz bad as_of", slog.String("value", raw))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.ErrValidation.Error()+": as_of must be RFC3339")
			return
		}
		asOf = parsed.UTC()
	}
	set := h.resolver.ResolvePermissions(r.Context(), userID, asOf)
	httpx.JSON(w, http.StatusOK, permissionsResponse{UserID: userID, AsOf: asOf, Permissions: set.Keys()})
}

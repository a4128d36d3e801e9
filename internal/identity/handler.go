package identity

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Handler manages user administration endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	gate    authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate}
}

// MountRoutes registers user routes. Every route requires USER_MGMT.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(shared.PermUserMgmt))
		r.Get("/", h.listUsers)
		r.Post("/", h.provisionUser)
		r.Get("/{userID}", h.getUser)
		r.Post("/{userID}/deactivate", h.deactivateUser)
		r.Post("/{userID}/reactivate", h.reactivateUser)
	})
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.List(r.Context())
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": users})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		h.fail(w, "get user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) provisionUser(w http.ResponseWriter, r *http.Request) {
	var in ProvisionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID, _ = shared.ActorFromContext(r.Context())
	user, err := h.service.Provision(r.Context(), in)
	if err != nil {
		h.fail(w, "provision user", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) deactivateUser(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Deactivate)
}

func (h *Handler) reactivateUser(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Reactivate)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64) (User, error)) {
	id, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	user, err := fn(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "toggle user", err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

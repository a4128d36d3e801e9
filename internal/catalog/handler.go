package catalog

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Handler manages role and permission administration endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	gate    authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate}
}

// MountRoleRoutes registers /v1/roles routes. Every route requires ROLE_MGMT.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(shared.PermRoleMgmt))
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Get("/{roleID}", h.getRole)
		r.Put("/{roleID}/name", h.renameRole)
		r.Post("/{roleID}/deactivate", h.deactivateRole)
		r.Post("/{roleID}/reactivate", h.reactivateRole)
		r.Get("/{roleID}/permissions", h.listRolePermissions)
		r.Put("/{roleID}/permissions/{permissionID}", h.attachPermission)
		r.Delete("/{roleID}/permissions/{permissionID}", h.detachPermission)
	})
}

// MountPermissionRoutes registers /v1/permissions routes. Every route requires ROLE_MGMT.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(shared.PermRoleMgmt))
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Post("/{permissionID}/deactivate", h.deactivatePermission)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID, _ = shared.ActorFromContext(r.Context())
	role, err := h.service.CreateRole(r.Context(), in)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) renameRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req renameRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	role, err := h.service.RenameRole(r.Context(), id, req.Name, actorID)
	if err != nil {
		h.fail(w, "rename role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deactivateRole(w http.ResponseWriter, r *http.Request) {
	h.toggleRole(w, r, h.service.DeactivateRole)
}

func (h *Handler) reactivateRole(w http.ResponseWriter, r *http.Request) {
	h.toggleRole(w, r, h.service.ReactivateRole)
}

func (h *Handler) toggleRole(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actorID int64) (Role, error)) {
	id, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	role, err := fn(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "toggle role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	links, err := h.service.ListRolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "list role permissions", err)
		return
	}
	if links == nil {
		links = []RolePermission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": links})
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, h.service.AttachPermission)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	h.link(w, r, h.service.DetachPermission)
}

func (h *Handler) link(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, roleID, permissionID, actorID int64) error) {
	roleID, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	permissionID, err := httpx.PathID(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	if err := fn(r.Context(), roleID, permissionID, actorID); err != nil {
		h.fail(w, "role permission link", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var in CreatePermissionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ActorID, _ = shared.ActorFromContext(r.Context())
	p, err := h.service.CreatePermission(r.Context(), in)
	if err != nil {
		h.fail(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) deactivatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "permissionID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	p, err := h.service.DeactivatePermission(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, "deactivate permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

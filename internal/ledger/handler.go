package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "ledger.grant"
)

// Handler exposes assignment endpoints nested under /v1/users/{userID}/roles.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	gate        authz.Middleware
	idempotency shared.IdempotencyChecker
}

// NewHandler builds Handler instance. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, gate authz.Middleware, idempotency shared.IdempotencyChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate, idempotency: idempotency}
}

// MountRoutes registers assignment routes. Every route requires ROLE_MGMT.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequirePermission(shared.PermRoleMgmt))
		r.Get("/", h.listAssignments)
		r.Post("/", h.grant)
		r.Delete("/{roleID}", h.revoke)
	})
}

type grantRequest struct {
	RoleID     int64      `json:"role_id"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	assignments, err := h.service.ListAssignments(r.Context(), userID)
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	if assignments == nil {
		assignments = []Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			h.fail(w, "reserve idempotency key", err)
			return
		}
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	assignment, err := h.service.Grant(r.Context(), GrantInput{
		UserID:     userID,
		RoleID:     req.RoleID,
		GrantedBy:  actorID,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		// the grant is committed once only the cache bump failed; a retry with
		// the same key must not grant again
		if key != "" && h.idempotency != nil && !errors.Is(err, shared.ErrCacheInvalidation) {
			if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.fail(w, "grant role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.PathID(r, "userID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roleID, err := httpx.PathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var at time.Time
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, errors.Join(shared.ErrValidation, err))
			return
		}
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	assignment, err := h.service.Revoke(r.Context(), userID, roleID, actorID, at)
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

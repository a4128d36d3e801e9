package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Middleware wires permission gates for chi routers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequirePermission admits the current actor only when they hold key.
func (m Middleware) RequirePermission(key string) func(http.Handler) http.Handler {
	return m.RequireAll(key)
}

// RequireAny admits the current actor when they hold at least one key.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return m.gate(keys, func(set shared.PermissionSet, required []string) bool {
		for _, k := range required {
			if set.Has(k) {
				return true
			}
		}
		return false
	})
}

// RequireAll admits the current actor when they hold every key.
func (m Middleware) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return m.gate(keys, func(set shared.PermissionSet, required []string) bool {
		for _, k := range required {
			if !set.Has(k) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) gate(keys []string, admit func(shared.PermissionSet, []string) bool) func(http.Handler) http.Handler {
	required := normalizeKeys(keys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actorID, ok := shared.ActorFromContext(r.Context())
			if !ok || m.Resolver == nil {
				httpx.Forbidden(w)
				return
			}
			set := m.Resolver.ResolvePermissions(r.Context(), actorID, time.Time{})
			if !admit(set, required) {
				if m.Logger != nil {
					m.Logger.Info("authz denied", slog.Int64("actor_id", actorID), slog.String("path", r.URL.Path))
				}
				httpx.Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromHeader reads the authenticated actor id from a header set by the
// upstream authentication layer. Malformed values leave the request anonymous.
func ActorFromHeader(header string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(header))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				if logger != nil {
					logger.Warn("authz parse actor id", slog.String("value", raw))
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), id)))
		})
	}
}

func normalizeKeys(keys []string) []string {
	unique := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = shared.NormalizeKey(k)
		if k == "" {
			continue
		}
		if _, seen := unique[k]; seen {
			continue
		}
		unique[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

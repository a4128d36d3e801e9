// Package audithttp exposes the audit trail over HTTP.
package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/audit"
	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/platform/httpx"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

const (
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
	dateLayout       = "2006-01-02"
)

// TimelineService is the read side of the audit trail.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
}

// Handler serves audit timeline requests.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	gate    authz.Middleware
	now     func() time.Time
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service TimelineService, gate authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		gate:    gate,
		now:     time.Now,
	}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.fail(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.fail(w, "export audit timeline", err)
		return
	}
	body, err := audit.WriteCSV(rows)
	if err != nil {
		h.fail(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-timeline.csv"`)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

// parseFilters reads the query string. Bounds accept RFC3339 or a plain date;
// a plain "to" date includes that whole day.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()

	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		return audit.TimelineFilters{}, fieldError("to")
	}
	if to.IsZero() {
		now := h.now().UTC()
		to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		return audit.TimelineFilters{}, fieldError("from")
	}
	if from.IsZero() {
		from = to.Add(-defaultDateRange)
	}
	if !from.Before(to) || to.Sub(from) > maxDateRange {
		return audit.TimelineFilters{}, fieldError("range")
	}

	filters := audit.TimelineFilters{
		From:     from,
		To:       to,
		Entity:   strings.TrimSpace(q.Get("entity")),
		EntityID: strings.TrimSpace(q.Get("entity_id")),
		Action:   strings.TrimSpace(q.Get("action")),
	}
	if filters.ActorID, err = positiveInt(q.Get("actor_id")); err != nil {
		return audit.TimelineFilters{}, fieldError("actor_id")
	}
	page, err := positiveInt(q.Get("page"))
	if err != nil {
		return audit.TimelineFilters{}, fieldError("page")
	}
	size, err := positiveInt(q.Get("page_size"))
	if err != nil {
		return audit.TimelineFilters{}, fieldError("page_size")
	}
	filters.Page, filters.PageSize = int(page), int(size)
	return filters, nil
}

func parseBound(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func positiveInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", raw)
	}
	return v, nil
}

func fieldError(field string) error {
	return fmt.Errorf("%w: invalid %s", shared.ErrValidation, field)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

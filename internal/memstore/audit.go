package memstore

import (
	"context"
	"maps"
	"slices"

	"github.com/odyssey-erp/gatehouse/internal/audit"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

var _ audit.Repository = (*Store)(nil)

// AuditTimeline implements audit.Repository. Rows are newest first.
func (s *Store) AuditTimeline(_ context.Context, q audit.TimelineQuery) ([]audit.TimelineRow, error) {
	s.mu.RLock()
	matched := make([]shared.AuditLog, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		if matchesTimeline(s.audit[i], q) {
			matched = append(matched, s.audit[i])
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b shared.AuditLog) int {
		return b.At.Compare(a.At)
	})
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	rows := make([]audit.TimelineRow, 0, len(matched))
	for _, log := range matched {
		rows = append(rows, audit.TimelineRow{
			ID:       log.ID,
			At:       log.At,
			ActorID:  log.ActorID,
			Action:   log.Action,
			Entity:   log.Entity,
			EntityID: log.EntityID,
			Meta:     maps.Clone(log.Meta),
		})
	}
	return rows, nil
}

func matchesTimeline(log shared.AuditLog, q audit.TimelineQuery) bool {
	switch {
	case !q.From.IsZero() && log.At.Before(q.From):
		return false
	case !q.To.IsZero() && !log.At.Before(q.To):
		return false
	case q.ActorID > 0 && log.ActorID != q.ActorID:
		return false
	case q.Entity != "" && log.Entity != q.Entity:
		return false
	case q.EntityID != "" && log.EntityID != q.EntityID:
		return false
	case q.Action != "" && log.Action != q.Action:
		return false
	}
	return true
}

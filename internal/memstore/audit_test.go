package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatehouse/internal/audit"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

func TestAuditTimelineFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()
	record := func(offset time.Duration, actor int64, action, entity, id string) {
		require.NoError(t, s.Record(ctx, shared.AuditLog{
			ActorID:  actor,
			Action:   action,
			Entity:   entity,
			EntityID: id,
			Meta:     map[string]any{"n": id},
			At:       storeNow.Add(offset),
		}))
	}
	record(3*time.Hour, 1, "role.created", "role", "1")
	record(time.Hour, 1, "user.provisioned", "user", "2")
	record(2*time.Hour, 2, "role.renamed", "role", "1")
	record(4*time.Hour, 0, "assignment.expired", "role_assignment", "5")

	all, err := s.AuditTimeline(ctx, audit.TimelineQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "assignment.expired", all[0].Action)
	require.Equal(t, "user.provisioned", all[3].Action)

	roles, err := s.AuditTimeline(ctx, audit.TimelineQuery{Entity: "role", EntityID: "1"})
	require.NoError(t, err)
	require.Len(t, roles, 2)
	require.Equal(t, "role.created", roles[0].Action)
	require.Equal(t, "role.renamed", roles[1].Action)

	byActor, err := s.AuditTimeline(ctx, audit.TimelineQuery{ActorID: 2})
	require.NoError(t, err)
	require.Len(t, byActor, 1)

	window, err := s.AuditTimeline(ctx, audit.TimelineQuery{From: storeNow.Add(time.Hour), To: storeNow.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	require.Equal(t, "role.renamed", window[0].Action)

	page, err := s.AuditTimeline(ctx, audit.TimelineQuery{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "role.created", page[0].Action)

	none, err := s.AuditTimeline(ctx, audit.TimelineQuery{Offset: 10, Limit: 2})
	require.NoError(t, err)
	require.Empty(t, none)

	page[0].Meta["n"] = "mutated"
	again, err := s.AuditTimeline(ctx, audit.TimelineQuery{Action: "role.created"})
	require.NoError(t, err)
	require.Equal(t, "1", again[0].Meta["n"])
}

package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	rows  []TimelineRow
	err   error
	calls []TimelineQuery
}

func (s *stubTimelineRepo) AuditTimeline(_ context.Context, q TimelineQuery) ([]TimelineRow, error) {
	s.calls = append(s.calls, q)
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

func rowAt(ts string, action string) TimelineRow {
	at, _ := time.Parse(time.RFC3339, ts)
	return TimelineRow{ID: action + ts, At: at, ActorID: 1, Action: action, Entity: "role", EntityID: "7"}
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{
		rowAt("2026-03-10T10:00:00Z", "role.created"),
		rowAt("2026-03-09T09:00:00Z", "role.updated"),
		rowAt("2026-03-08T08:00:00Z", "role.deactivated"),
	}}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Entity:   "  role ",
		Page:     2,
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.Equal(t, PagingInfo{Page: 2, PageSize: 2, HasNext: true, PrevPage: 1, NextPage: 3}, result.Paging)

	require.Len(t, repo.calls, 1)
	call := repo.calls[0]
	require.Equal(t, 3, call.Limit)
	require.Equal(t, 2, call.Offset)
	require.Equal(t, "role", call.Entity)
}

func TestServiceTimelineDefaultsAndCaps(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	require.NotNil(t, result.Rows)
	require.Empty(t, result.Rows)
	require.Equal(t, PagingInfo{Page: 1, PageSize: defaultPageSize}, result.Paging)
	require.Equal(t, defaultPageSize+1, repo.calls[0].Limit)

	_, err = svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Equal(t, maxPageSize+1, repo.calls[1].Limit)
}

func TestServiceExportIsCapped(t *testing.T) {
	repo := &stubTimelineRepo{rows: []TimelineRow{rowAt("2026-03-10T10:00:00Z", "role.created")}}
	rows, err := NewService(repo).Export(context.Background(), TimelineFilters{Action: "role.created", Page: 4})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, maxExportRows, repo.calls[0].Limit)
	require.Zero(t, repo.calls[0].Offset)
}

func TestServicePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&stubTimelineRepo{err: boom})
	_, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.ErrorIs(t, err, boom)

	var nilSvc *Service
	_, err = nilSvc.Export(context.Background(), TimelineFilters{})
	require.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	row := rowAt("2026-03-10T10:00:00Z", "assignment.granted")
	row.Meta = map[string]any{"role_id": 7}
	out, err := WriteCSV([]TimelineRow{row, rowAt("2026-03-09T09:00:00Z", "role.created")})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "at,actor_id,action,entity,entity_id,meta", lines[0])
	require.Equal(t, `2026-03-10T10:00:00Z,1,assignment.granted,role,7,"{""role_id"":7}"`, lines[1])
	require.Equal(t, "2026-03-09T09:00:00Z,1,role.created,role,7,", lines[2])
}

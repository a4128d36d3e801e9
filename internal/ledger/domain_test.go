package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(hours int) time.Time { return t0.Add(time.Duration(hours) * time.Hour) }

func ptr(t time.Time) *time.Time { return &t }

func TestAssignmentWindowIsHalfOpen(t *testing.T) {
	a := Assignment{ValidFrom: at(0), ValidUntil: ptr(at(10))}
	require.False(t, a.InEffect(at(-1)))
	require.True(t, a.InEffect(at(0)))
	require.True(t, a.InEffect(at(10).Add(-time.Nanosecond)))
	require.False(t, a.InEffect(at(10)))

	open := Assignment{ValidFrom: at(0)}
	require.True(t, open.InEffect(at(100000)))
}

func TestEmptyWindowNeverInEffectOrOverlapping(t *testing.T) {
	empty := Assignment{ValidFrom: at(5), ValidUntil: ptr(at(5))}
	require.True(t, empty.Empty())
	require.False(t, empty.InEffect(at(5)))
	require.False(t, empty.Overlaps(at(0), nil))

	open := Assignment{ValidFrom: at(0)}
	require.False(t, open.Overlaps(at(3), ptr(at(3))))
}

func TestOverlaps(t *testing.T) {
	a := Assignment{ValidFrom: at(0), ValidUntil: ptr(at(10))}
	cases := []struct {
		name  string
		from  time.Time
		until *time.Time
		want  bool
	}{
		{"adjacent after", at(10), ptr(at(20)), false},
		{"adjacent before", at(-10), ptr(at(0)), false},
		{"inside", at(2), ptr(at(3)), true},
		{"straddles end", at(9), nil, true},
		{"unbounded before", at(-5), nil, true},
		{"later open", at(11), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, a.Overlaps(tc.from, tc.until))
		})
	}
}

func TestPickRevocablePrefersCurrent(t *testing.T) {
	revoker := int64(1)
	assignments := []Assignment{
		{ID: 1, ValidFrom: at(-20), ValidUntil: ptr(at(-10))},
		{ID: 2, ValidFrom: at(-5), ValidUntil: ptr(at(5)), RevokedBy: &revoker},
		{ID: 3, ValidFrom: at(50)},
		{ID: 4, ValidFrom: at(20), ValidUntil: ptr(at(30))},
	}
	got, ok := pickRevocable(assignments, at(0))
	require.True(t, ok)
	require.EqualValues(t, 4, got.ID, "earliest future assignment when none is current")

	assignments = append(assignments, Assignment{ID: 5, ValidFrom: at(-1), ValidUntil: ptr(at(1))})
	got, ok = pickRevocable(assignments, at(0))
	require.True(t, ok)
	require.EqualValues(t, 5, got.ID)

	_, ok = pickRevocable(assignments[:2], at(0))
	require.False(t, ok)
}

package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/memstore"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memstore.Store
	users   *identity.Service
	catalog *catalog.Service
	ledger  *ledger.Service
	userID  int64
	roleID  int64
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	f := &fixture{store: store, now: base}
	f.users = identity.NewService(store, store, nil, nil)
	f.catalog = catalog.NewService(store, store, nil, nil)
	f.ledger = ledger.NewService(store, f.users, f.catalog, store, nil, nil).WithClock(func() time.Time { return f.now })

	u, err := f.users.Provision(ctx, identity.ProvisionInput{Username: "carol"})
	require.NoError(t, err)
	r, err := f.catalog.CreateRole(ctx, catalog.CreateRoleInput{Name: "Approver"})
	require.NoError(t, err)
	f.userID, f.roleID = u.ID, r.ID
	return f
}

func ptr(t time.Time) *time.Time { return &t }

func TestGrantDefaultsToNow(t *testing.T) {
	f := newFixture(t)
	a, err := f.ledger.Grant(context.Background(), ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, GrantedBy: 7})
	require.NoError(t, err)
	require.Equal(t, base, a.ValidFrom)
	require.Nil(t, a.ValidUntil)
	require.EqualValues(t, 7, a.AssignedBy)

	roles, err := f.ledger.RolesOfUser(context.Background(), f.userID, base)
	require.NoError(t, err)
	require.Equal(t, []int64{f.roleID}, roles)

	trail := f.store.AuditTrail()
	require.Equal(t, "assignment.granted", trail[len(trail)-1].Action)
	require.Equal(t, "role_assignment", trail[len(trail)-1].Entity)
}

func TestGrantRejectsOverlapButAllowsAdjacent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base), ValidUntil: ptr(base.Add(24 * time.Hour))})
	require.NoError(t, err)

	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base.Add(12 * time.Hour))})
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base.Add(24 * time.Hour))})
	require.NoError(t, err)

	history, err := f.ledger.ListAssignments(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base), ValidUntil: ptr(base.Add(-time.Second))})
	require.ErrorIs(t, err, shared.ErrInvalidWindow)

	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: 0, RoleID: f.roleID})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: 999, RoleID: f.roleID})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.catalog.DeactivateRole(ctx, f.roleID, 1)
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID})
	require.ErrorIs(t, err, shared.ErrInactive)

	_, err = f.users.Deactivate(ctx, f.userID, 1)
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID})
	require.ErrorIs(t, err, shared.ErrInactive)
}

func TestEmptyWindowGrantIsAcceptedButNeverInEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base), ValidUntil: ptr(base)})
	require.NoError(t, err)
	require.True(t, a.Empty())

	roles, err := f.ledger.RolesOfUser(ctx, f.userID, base)
	require.NoError(t, err)
	require.Empty(t, roles)

	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base)})
	require.NoError(t, err, "an empty window overlaps nothing")
}

func TestRevokeClosesCurrentAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base.Add(-time.Hour))})
	require.NoError(t, err)

	closed, err := f.ledger.Revoke(ctx, f.userID, f.roleID, 3, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, closed.ValidUntil)
	require.Equal(t, base, *closed.ValidUntil)
	require.NotNil(t, closed.RevokedBy)
	require.EqualValues(t, 3, *closed.RevokedBy)

	roles, err := f.ledger.RolesOfUser(ctx, f.userID, base)
	require.NoError(t, err)
	require.Empty(t, roles)

	roles, err = f.ledger.RolesOfUser(ctx, f.userID, base.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []int64{f.roleID}, roles, "history before the revocation is preserved")

	_, err = f.ledger.Revoke(ctx, f.userID, f.roleID, 3, time.Time{})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRevokeFutureGrantCollapsesWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := base.Add(48 * time.Hour)
	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(start)})
	require.NoError(t, err)

	closed, err := f.ledger.Revoke(ctx, f.userID, f.roleID, 1, base)
	require.NoError(t, err)
	require.Equal(t, start, *closed.ValidUntil)
	require.True(t, closed.Empty())

	roles, err := f.ledger.RolesOfUser(ctx, f.userID, start)
	require.NoError(t, err)
	require.Empty(t, roles)
}

func TestNextTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base), ValidUntil: ptr(base.Add(2 * time.Hour))})
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base.Add(5 * time.Hour))})
	require.NoError(t, err)

	next, ok, err := f.ledger.NextTransition(ctx, f.userID, base)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base.Add(2*time.Hour), next)

	next, ok, err = f.ledger.NextTransition(ctx, f.userID, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, base.Add(5*time.Hour), next)

	_, ok, err = f.ledger.NextTransition(ctx, f.userID, base.Add(6*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentGrantsAdmitExactlyOne(t *testing.T) {
	f := newFixture(t)
	var wins, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.ledger.Grant(context.Background(), ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base)})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, shared.ErrConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 15, conflicts.Load())
}

func TestHoldersAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base), ValidUntil: ptr(base.Add(time.Hour))})
	require.NoError(t, err)

	holders, err := f.ledger.HoldersOfRole(ctx, f.roleID, base)
	require.NoError(t, err)
	require.Equal(t, []int64{f.userID}, holders)

	expired, err := f.ledger.ExpiredBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	expired, err = f.ledger.ExpiredBetween(ctx, base.Add(time.Hour+time.Second), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)
}

type failingInvalidator struct{ calls atomic.Int32 }

func (f *failingInvalidator) InvalidateUser(context.Context, int64) error {
	f.calls.Add(1)
	return fmt.Errorf("%w: redis down", shared.ErrCacheInvalidation)
}

func (f *failingInvalidator) InvalidateCatalog(context.Context) error {
	return fmt.Errorf("%w: redis down", shared.ErrCacheInvalidation)
}

func TestRevokeSurfacesFailedInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := &failingInvalidator{}
	svc := ledger.NewService(f.store, f.users, f.catalog, f.store, inv, nil).WithClock(func() time.Time { return f.now })

	granted, err := svc.Grant(ctx, ledger.GrantInput{UserID: f.userID, RoleID: f.roleID, ValidFrom: ptr(base.Add(-time.Hour))})
	require.ErrorIs(t, err, shared.ErrCacheInvalidation)
	require.NotZero(t, granted.ID, "the grant is committed")

	closed, err := svc.Revoke(ctx, f.userID, f.roleID, 3, time.Time{})
	require.ErrorIs(t, err, shared.ErrCacheInvalidation)
	require.NotNil(t, closed.ValidUntil)
	require.EqualValues(t, 2, inv.calls.Load())

	roles, err := svc.RolesOfUser(ctx, f.userID, base)
	require.NoError(t, err)
	require.Empty(t, roles, "the revocation is committed")

	trail := f.store.AuditTrail()
	require.Equal(t, "assignment.revoked", trail[len(trail)-1].Action)
}

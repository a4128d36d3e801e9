package catalog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/memstore"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

type countingInvalidator struct {
	catalog int
	err     error
}

func (c *countingInvalidator) InvalidateUser(context.Context, int64) error { return c.err }

func (c *countingInvalidator) InvalidateCatalog(context.Context) error {
	c.catalog++
	return c.err
}

type recordingNotifier struct {
	roles []int64
}

func (n *recordingNotifier) NotifyRoleChanged(_ context.Context, roleID int64) error {
	n.roles = append(n.roles, roleID)
	return nil
}

func newCatalog(t *testing.T) (*catalog.Service, *memstore.Store, *countingInvalidator, *recordingNotifier) {
	t.Helper()
	store := memstore.New()
	inv := &countingInvalidator{}
	notifier := &recordingNotifier{}
	svc := catalog.NewService(store, store, inv, nil).WithRoleNotifier(notifier)
	return svc, store, inv, notifier
}

func TestCreateRoleUniqueAmongActive(t *testing.T) {
	svc, _, _, _ := newCatalog(t)
	ctx := context.Background()

	admin, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "Auditor"})
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, catalog.CreateRoleInput{Name: " auditor "})
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.DeactivateRole(ctx, admin.ID, 1)
	require.NoError(t, err)

	replacement, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "AUDITOR"})
	require.NoError(t, err)
	require.NotEqual(t, admin.ID, replacement.ID)

	_, err = svc.ReactivateRole(ctx, admin.ID, 1)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestCreateRoleValidatesName(t *testing.T) {
	svc, _, _, _ := newCatalog(t)
	_, err := svc.CreateRole(context.Background(), catalog.CreateRoleInput{Name: "  "})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.RenameRole(context.Background(), 1, "", 1)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreatePermissionNormalisesKey(t *testing.T) {
	svc, _, _, _ := newCatalog(t)
	ctx := context.Background()

	p, err := svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: " reports_view ", DisplayName: "View reports"})
	require.NoError(t, err)
	require.Equal(t, "REPORTS_VIEW", p.Key)
	require.True(t, p.IsActive)

	found, err := svc.GetPermissionByKey(ctx, "Reports_View")
	require.NoError(t, err)
	require.Equal(t, p.ID, found.ID)

	_, err = svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: "REPORTS_VIEW", DisplayName: "dup"})
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: "two words", DisplayName: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPermissionsOfRoleFollowsActivity(t *testing.T) {
	svc, _, inv, notifier := newCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	role, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "Clerk"})
	require.NoError(t, err)
	view, err := svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: "VIEW", DisplayName: "View"})
	require.NoError(t, err)
	edit, err := svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: "EDIT", DisplayName: "Edit"})
	require.NoError(t, err)

	require.NoError(t, svc.AttachPermission(ctx, role.ID, view.ID, 1))
	require.NoError(t, svc.AttachPermission(ctx, role.ID, edit.ID, 1))
	before := inv.catalog
	require.NoError(t, svc.AttachPermission(ctx, role.ID, edit.ID, 1))
	require.Equal(t, before, inv.catalog, "re-attaching is a no-op")
	require.Equal(t, []int64{role.ID, role.ID}, notifier.roles)

	perms, err := svc.PermissionsOfRole(ctx, role.ID, now)
	require.NoError(t, err)
	require.Equal(t, []string{"EDIT", "VIEW"}, perms.Keys())

	_, err = svc.DeactivatePermission(ctx, edit.ID, 1)
	require.NoError(t, err)
	perms, err = svc.PermissionsOfRole(ctx, role.ID, now)
	require.NoError(t, err)
	require.Equal(t, []string{"VIEW"}, perms.Keys())

	links, err := svc.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, links, 2, "deactivation keeps the link")

	_, err = svc.DeactivateRole(ctx, role.ID, 1)
	require.NoError(t, err)
	perms, err = svc.PermissionsOfRole(ctx, role.ID, now)
	require.NoError(t, err)
	require.Empty(t, perms)

	perms, err = svc.PermissionsOfRole(ctx, 999, now)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestAttachRequiresExistingEntities(t *testing.T) {
	svc, _, _, _ := newCatalog(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "Viewer"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.AttachPermission(ctx, role.ID, 42, 1), shared.ErrNotFound)
	require.ErrorIs(t, svc.AttachPermission(ctx, 42, 1, 1), shared.ErrNotFound)
	require.ErrorIs(t, svc.DetachPermission(ctx, role.ID, 42, 1), shared.ErrNotFound)
}

func TestCatalogMutationsAreAudited(t *testing.T) {
	svc, store, _, _ := newCatalog(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "Ops", ActorID: 3})
	require.NoError(t, err)
	_, err = svc.RenameRole(ctx, role.ID, "Operations", 3)
	require.NoError(t, err)

	trail := store.AuditTrail()
	require.Len(t, trail, 2)
	require.Equal(t, "role.created", trail[0].Action)
	require.Equal(t, "role.renamed", trail[1].Action)
	require.EqualValues(t, 3, trail[1].ActorID)
}

func TestDetachSurfacesFailedInvalidation(t *testing.T) {
	svc, store, inv, notifier := newCatalog(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, catalog.CreateRoleInput{Name: "Clerk"})
	require.NoError(t, err)
	perm, err := svc.CreatePermission(ctx, catalog.CreatePermissionInput{Key: "POST", DisplayName: "Post"})
	require.NoError(t, err)
	require.NoError(t, svc.AttachPermission(ctx, role.ID, perm.ID, 1))

	notified := len(notifier.roles)
	inv.err = fmt.Errorf("%w: redis down", shared.ErrCacheInvalidation)
	err = svc.DetachPermission(ctx, role.ID, perm.ID, 1)
	require.ErrorIs(t, err, shared.ErrCacheInvalidation)

	set, err := svc.PermissionsOfRole(ctx, role.ID, time.Time{})
	require.NoError(t, err)
	require.False(t, set.Has("POST"), "the detach is committed")
	require.Len(t, notifier.roles, notified+1, "holders are still notified")

	_, err = svc.DeactivateRole(ctx, role.ID, 1)
	require.ErrorIs(t, err, shared.ErrCacheInvalidation)

	trail := store.AuditTrail()
	require.Equal(t, "role.deactivated", trail[len(trail)-1].Action)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

var corePermissionNames = map[string]string{
	shared.PermUserMgmt: "Manage users",
	shared.PermRoleMgmt: "Manage roles and assignments",
}

// SeedCore makes sure the administrative permissions and the ADMIN role exist
// and, when adminUsername is set, that the named user holds ADMIN. Running it
// repeatedly is harmless.
func SeedCore(ctx context.Context, c *Container, adminUsername string) error {
	admin, err := ensureAdminRole(ctx, c.Catalog)
	if err != nil {
		return err
	}
	for _, key := range shared.CoreScopes() {
		p, err := c.Catalog.GetPermissionByKey(ctx, key)
		if errors.Is(err, shared.ErrNotFound) {
			p, err = c.Catalog.CreatePermission(ctx, catalog.CreatePermissionInput{Key: key, DisplayName: corePermissionNames[key]})
		}
		if err != nil {
			return fmt.Errorf("app: seed permission %s: %w", key, err)
		}
		if err := c.Catalog.AttachPermission(ctx, admin.ID, p.ID, 0); err != nil {
			return fmt.Errorf("app: seed attach %s: %w", key, err)
		}
	}
	if adminUsername == "" {
		return nil
	}

	user, err := ensureUser(ctx, c.Identity, adminUsername)
	if err != nil {
		return err
	}
	_, err = c.Ledger.Grant(ctx, ledger.GrantInput{UserID: user.ID, RoleID: admin.ID})
	if err != nil && !errors.Is(err, shared.ErrConflict) {
		return fmt.Errorf("app: seed admin grant: %w", err)
	}
	c.Logger.Info("seeded admin user", slog.String("username", user.Username), slog.Int64("user_id", user.ID))
	return nil
}

func ensureAdminRole(ctx context.Context, svc *catalog.Service) (catalog.Role, error) {
	roles, err := svc.ListRoles(ctx)
	if err != nil {
		return catalog.Role{}, err
	}
	for _, r := range roles {
		if r.IsActive && shared.FoldName(r.Name) == shared.FoldName(shared.RoleAdmin) {
			return r, nil
		}
	}
	return svc.CreateRole(ctx, catalog.CreateRoleInput{Name: shared.RoleAdmin, Description: "Full administrative access"})
}

func ensureUser(ctx context.Context, svc *identity.Service, username string) (identity.User, error) {
	users, err := svc.List(ctx)
	if err != nil {
		return identity.User{}, err
	}
	for _, u := range users {
		if shared.FoldName(u.Username) == shared.FoldName(username) {
			if !u.IsActive {
				return svc.Reactivate(ctx, u.ID, 0)
			}
			return u, nil
		}
	}
	return svc.Provision(ctx, identity.ProvisionInput{Username: username, DisplayName: "Administrator"})
}

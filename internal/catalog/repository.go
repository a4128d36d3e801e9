package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Repository provides PostgreSQL backed persistence for roles and permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const (
	roleColumns       = `id, name, COALESCE(description, ''), is_active, created_at, updated_at`
	permissionColumns = `id, key, display_name, COALESCE(component_ref, ''), is_active, created_at`
)

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Key, &p.DisplayName, &p.ComponentRef, &p.IsActive, &p.CreatedAt)
	return p, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("catalog: "+format+": %w", append(args, shared.ErrNotFound)...)
	}
	if shared.IsUniqueViolation(err) {
		return fmt.Errorf("catalog: "+format+": %w", append(args, shared.ErrConflict)...)
	}
	return err
}

// GetRole loads a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	return role, notFound(err, "role %d", id)
}

// ListRoles returns every role ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// InsertRole stores an active role. The partial unique index on active name keys
// turns collisions into ErrConflict.
func (r *Repository) InsertRole(ctx context.Context, in NewRole) (Role, error) {
	const query = `INSERT INTO roles (name, name_key, description, is_active, created_at, updated_at)
VALUES ($1, $2, $3, TRUE, NOW(), NOW())
RETURNING ` + roleColumns
	role, err := scanRole(r.pool.QueryRow(ctx, query, in.Name, in.NameKey, in.Description))
	return role, notFound(err, "role %q", in.Name)
}

// RenameRole updates the display name and comparison key.
func (r *Repository) RenameRole(ctx context.Context, id int64, name, nameKey string) (Role, error) {
	const query = `UPDATE roles SET name = $2, name_key = $3, updated_at = NOW() WHERE id = $1 RETURNING ` + roleColumns
	role, err := scanRole(r.pool.QueryRow(ctx, query, id, name, nameKey))
	return role, notFound(err, "role %d", id)
}

// SetRoleActive flips the active flag. Reactivating into a taken name is a conflict.
func (r *Repository) SetRoleActive(ctx context.Context, id int64, active bool) (Role, error) {
	const query = `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + roleColumns
	role, err := scanRole(r.pool.QueryRow(ctx, query, id, active))
	return role, notFound(err, "role %d", id)
}

// ActivePermissionKeys returns the keys of active permissions linked to an active role.
func (r *Repository) ActivePermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	const query = `SELECT p.key
FROM role_permissions rp
JOIN roles r ON r.id = rp.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 AND r.is_active AND p.is_active
ORDER BY p.key`
	rows, err := r.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// GetPermission loads a permission by id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	return p, notFound(err, "permission %d", id)
}

// GetPermissionByKey loads a permission by its normalised key.
func (r *Repository) GetPermissionByKey(ctx context.Context, key string) (Permission, error) {
	p, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE key = $1`, key))
	return p, notFound(err, "permission %q", key)
}

// ListPermissions returns every permission ordered by key.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// InsertPermission stores an active permission. Duplicate keys map to ErrConflict.
func (r *Repository) InsertPermission(ctx context.Context, in NewPermission) (Permission, error) {
	const query = `INSERT INTO permissions (key, display_name, component_ref, is_active, created_at)
VALUES ($1, $2, $3, TRUE, NOW())
RETURNING ` + permissionColumns
	p, err := scanPermission(r.pool.QueryRow(ctx, query, in.Key, in.DisplayName, in.ComponentRef))
	return p, notFound(err, "permission %q", in.Key)
}

// SetPermissionActive flips the permission active flag.
func (r *Repository) SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error) {
	const query = `UPDATE permissions SET is_active = $2 WHERE id = $1 RETURNING ` + permissionColumns
	p, err := scanPermission(r.pool.QueryRow(ctx, query, id, active))
	return p, notFound(err, "permission %d", id)
}

// LinkPermission attaches a permission to a role. It reports false when the
// link already existed.
func (r *Repository) LinkPermission(ctx context.Context, roleID, permissionID, actorID int64, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id, assigned_at, assigned_by)
VALUES ($1, $2, $3, $4) ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID, at, actorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UnlinkPermission removes a role/permission link.
func (r *Repository) UnlinkPermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("catalog: role %d permission %d link: %w", roleID, permissionID, shared.ErrNotFound)
	}
	return nil
}

// ListRolePermissions returns the raw links of a role regardless of activity.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	const query = `SELECT rp.role_id, rp.permission_id, p.key, rp.assigned_at, rp.assigned_by
FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 ORDER BY p.key`
	rows, err := r.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []RolePermission
	for rows.Next() {
		var l RolePermission
		if err := rows.Scan(&l.RoleID, &l.PermissionID, &l.PermissionKey, &l.AssignedAt, &l.AssignedBy); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

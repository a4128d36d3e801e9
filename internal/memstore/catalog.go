package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// GetRole implements catalog.RepositoryPort.
func (s *Store) GetRole(_ context.Context, id int64) (catalog.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return catalog.Role{}, fmt.Errorf("memstore: role %d: %w", id, shared.ErrNotFound)
	}
	return role, nil
}

// ListRoles implements catalog.RepositoryPort.
func (s *Store) ListRoles(context.Context) ([]catalog.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// activeNameTaken must be called with the lock held.
func (s *Store) activeNameTaken(nameKey string, except int64) bool {
	for id, r := range s.roles {
		if id != except && r.IsActive && shared.FoldName(r.Name) == nameKey {
			return true
		}
	}
	return false
}

// InsertRole implements catalog.RepositoryPort.
func (s *Store) InsertRole(_ context.Context, in catalog.NewRole) (catalog.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeNameTaken(in.NameKey, 0) {
		return catalog.Role{}, fmt.Errorf("memstore: role %q: %w", in.Name, shared.ErrConflict)
	}
	s.nextRoleID++
	now := s.now()
	role := catalog.Role{
		ID:          s.nextRoleID,
		Name:        in.Name,
		Description: in.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.roles[role.ID] = role
	return role, nil
}

// RenameRole implements catalog.RepositoryPort.
func (s *Store) RenameRole(_ context.Context, id int64, name, nameKey string) (catalog.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return catalog.Role{}, fmt.Errorf("memstore: role %d: %w", id, shared.ErrNotFound)
	}
	if role.IsActive && s.activeNameTaken(nameKey, id) {
		return catalog.Role{}, fmt.Errorf("memstore: role %q: %w", name, shared.ErrConflict)
	}
	role.Name = name
	role.UpdatedAt = s.now()
	s.roles[id] = role
	return role, nil
}

// SetRoleActive implements catalog.RepositoryPort.
func (s *Store) SetRoleActive(_ context.Context, id int64, active bool) (catalog.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return catalog.Role{}, fmt.Errorf("memstore: role %d: %w", id, shared.ErrNotFound)
	}
	if active && !role.IsActive && s.activeNameTaken(shared.FoldName(role.Name), id) {
		return catalog.Role{}, fmt.Errorf("memstore: role %q: %w", role.Name, shared.ErrConflict)
	}
	role.IsActive = active
	role.UpdatedAt = s.now()
	s.roles[id] = role
	return role, nil
}

// ActivePermissionKeys implements catalog.RepositoryPort.
func (s *Store) ActivePermissionKeys(_ context.Context, roleID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleID]
	if !ok || !role.IsActive {
		return nil, nil
	}
	var keys []string
	for k := range s.links {
		if k.roleID != roleID {
			continue
		}
		if p, ok := s.permissions[k.permissionID]; ok && p.IsActive {
			keys = append(keys, p.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// GetPermission implements catalog.RepositoryPort.
func (s *Store) GetPermission(_ context.Context, id int64) (catalog.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[id]
	if !ok {
		return catalog.Permission{}, fmt.Errorf("memstore: permission %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

// GetPermissionByKey implements catalog.RepositoryPort.
func (s *Store) GetPermissionByKey(_ context.Context, key string) (catalog.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.permissions {
		if p.Key == key {
			return p, nil
		}
	}
	return catalog.Permission{}, fmt.Errorf("memstore: permission %q: %w", key, shared.ErrNotFound)
}

// ListPermissions implements catalog.RepositoryPort.
func (s *Store) ListPermissions(context.Context) ([]catalog.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// InsertPermission implements catalog.RepositoryPort.
func (s *Store) InsertPermission(_ context.Context, in catalog.NewPermission) (catalog.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p.Key == in.Key {
			return catalog.Permission{}, fmt.Errorf("memstore: permission %q: %w", in.Key, shared.ErrConflict)
		}
	}
	s.nextPermissionID++
	p := catalog.Permission{
		ID:           s.nextPermissionID,
		Key:          in.Key,
		DisplayName:  in.DisplayName,
		ComponentRef: in.ComponentRef,
		IsActive:     true,
		CreatedAt:    s.now(),
	}
	s.permissions[p.ID] = p
	return p, nil
}

// SetPermissionActive implements catalog.RepositoryPort.
func (s *Store) SetPermissionActive(_ context.Context, id int64, active bool) (catalog.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return catalog.Permission{}, fmt.Errorf("memstore: permission %d: %w", id, shared.ErrNotFound)
	}
	p.IsActive = active
	s.permissions[id] = p
	return p, nil
}

// LinkPermission implements catalog.RepositoryPort.
func (s *Store) LinkPermission(_ context.Context, roleID, permissionID, actorID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[permissionID]
	if !ok {
		return false, fmt.Errorf("memstore: permission %d: %w", permissionID, shared.ErrNotFound)
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, fmt.Errorf("memstore: role %d: %w", roleID, shared.ErrNotFound)
	}
	k := linkKey{roleID: roleID, permissionID: permissionID}
	if _, exists := s.links[k]; exists {
		return false, nil
	}
	s.links[k] = catalog.RolePermission{
		RoleID:        roleID,
		PermissionID:  permissionID,
		PermissionKey: p.Key,
		AssignedAt:    at,
		AssignedBy:    actorID,
	}
	return true, nil
}

// UnlinkPermission implements catalog.RepositoryPort.
func (s *Store) UnlinkPermission(_ context.Context, roleID, permissionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := linkKey{roleID: roleID, permissionID: permissionID}
	if _, ok := s.links[k]; !ok {
		return fmt.Errorf("memstore: role %d permission %d link: %w", roleID, permissionID, shared.ErrNotFound)
	}
	delete(s.links, k)
	return nil
}

// ListRolePermissions implements catalog.RepositoryPort.
func (s *Store) ListRolePermissions(_ context.Context, roleID int64) ([]catalog.RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.RolePermission
	for k, l := range s.links {
		if k.roleID == roleID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermissionKey < out[j].PermissionKey })
	return out, nil
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// RepositoryPort defines data access methods for the role catalog.
type RepositoryPort interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	InsertRole(ctx context.Context, in NewRole) (Role, error)
	RenameRole(ctx context.Context, id int64, name, nameKey string) (Role, error)
	SetRoleActive(ctx context.Context, id int64, active bool) (Role, error)
	ActivePermissionKeys(ctx context.Context, roleID int64) ([]string, error)

	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByKey(ctx context.Context, key string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	InsertPermission(ctx context.Context, in NewPermission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) (Permission, error)

	LinkPermission(ctx context.Context, roleID, permissionID, actorID int64, at time.Time) (bool, error)
	UnlinkPermission(ctx context.Context, roleID, permissionID int64) error
	ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
}

// RoleChangeNotifier fans a role change out to background workers.
type RoleChangeNotifier interface {
	NotifyRoleChanged(ctx context.Context, roleID int64) error
}

// Service owns roles, permissions and their links.
type Service struct {
	repo        RepositoryPort
	audit       shared.AuditRecorder
	invalidator shared.PermissionInvalidator
	notifier    RoleChangeNotifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service instance. Nil audit and invalidator fall back to no-ops.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, invalidator shared.PermissionInvalidator, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditRecorder{}
	}
	if invalidator == nil {
		invalidator = shared.NopInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		invalidator: invalidator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithRoleNotifier enables background fan-out of role changes.
func (s *Service) WithRoleNotifier(n RoleChangeNotifier) *Service {
	s.notifier = n
	return s
}

// GetRole returns the role or shared.ErrNotFound.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	if id <= 0 {
		return Role{}, shared.ErrNotFound
	}
	return s.repo.GetRole(ctx, id)
}

// PermissionsOfRole returns the active permission keys of an active role.
// Missing and inactive roles yield an empty set. Links carry no temporal bound,
// so asOf does not filter them.
func (s *Service) PermissionsOfRole(ctx context.Context, roleID int64, _ time.Time) (shared.PermissionSet, error) {
	role, err := s.GetRole(ctx, roleID)
	if errors.Is(err, shared.ErrNotFound) {
		return shared.PermissionSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !role.IsActive {
		return shared.PermissionSet{}, nil
	}
	keys, err := s.repo.ActivePermissionKeys(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return shared.NewPermissionSet(keys...), nil
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// CreateRole adds an active role. Names are unique case-insensitively among
// active roles.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	if err := shared.ValidateStruct(in); err != nil {
		return Role{}, err
	}
	role, err := s.repo.InsertRole(ctx, NewRole{Name: in.Name, NameKey: shared.FoldName(in.Name), Description: in.Description})
	if err != nil {
		return Role{}, err
	}
	return role, s.changed(ctx, in.ActorID, "role.created", "role", role.ID, map[string]any{"name": role.Name})
}

// RenameRole changes a role's display name.
func (s *Service) RenameRole(ctx context.Context, id int64, name string, actorID int64) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return Role{}, fmt.Errorf("%w: role name must be 1-100 characters", shared.ErrValidation)
	}
	role, err := s.repo.RenameRole(ctx, id, name, shared.FoldName(name))
	if err != nil {
		return Role{}, err
	}
	return role, s.changed(ctx, actorID, "role.renamed", "role", id, map[string]any{"name": name})
}

// DeactivateRole hides the role from every resolution immediately. Its
// permission links and assignments are kept.
func (s *Service) DeactivateRole(ctx context.Context, id, actorID int64) (Role, error) {
	role, err := s.repo.SetRoleActive(ctx, id, false)
	if err != nil {
		return Role{}, err
	}
	err = s.changed(ctx, actorID, "role.deactivated", "role", id, nil)
	s.notify(ctx, id)
	return role, err
}

// ReactivateRole restores a role unless its name now collides with an active role.
func (s *Service) ReactivateRole(ctx context.Context, id, actorID int64) (Role, error) {
	role, err := s.repo.SetRoleActive(ctx, id, true)
	if err != nil {
		return Role{}, err
	}
	err = s.changed(ctx, actorID, "role.reactivated", "role", id, nil)
	s.notify(ctx, id)
	return role, err
}

// CreatePermission registers a permission under its normalised key.
func (s *Service) CreatePermission(ctx context.Context, in CreatePermissionInput) (Permission, error) {
	in.Key = shared.NormalizeKey(in.Key)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.ComponentRef = strings.TrimSpace(in.ComponentRef)
	if err := shared.ValidateStruct(in); err != nil {
		return Permission{}, err
	}
	if strings.ContainsAny(in.Key, " \t\n") {
		return Permission{}, fmt.Errorf("%w: permission key must not contain whitespace", shared.ErrValidation)
	}
	p, err := s.repo.InsertPermission(ctx, NewPermission{Key: in.Key, DisplayName: in.DisplayName, ComponentRef: in.ComponentRef})
	if err != nil {
		return Permission{}, err
	}
	return p, s.changed(ctx, in.ActorID, "permission.created", "permission", p.ID, map[string]any{"key": p.Key})
}

// DeactivatePermission removes the permission from every role's effective set
// without deleting the links.
func (s *Service) DeactivatePermission(ctx context.Context, id, actorID int64) (Permission, error) {
	p, err := s.repo.SetPermissionActive(ctx, id, false)
	if err != nil {
		return Permission{}, err
	}
	return p, s.changed(ctx, actorID, "permission.deactivated", "permission", id, map[string]any{"key": p.Key})
}

// ListPermissions returns every permission.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// GetPermissionByKey looks a permission up by key, case-insensitively.
func (s *Service) GetPermissionByKey(ctx context.Context, key string) (Permission, error) {
	key = shared.NormalizeKey(key)
	if key == "" {
		return Permission{}, shared.ErrNotFound
	}
	return s.repo.GetPermissionByKey(ctx, key)
}

// AttachPermission links a permission to a role. Attaching an existing link
// is a no-op.
func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID, actorID int64) error {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return err
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return err
	}
	created, err := s.repo.LinkPermission(ctx, roleID, permissionID, actorID, s.now())
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	err = s.changed(ctx, actorID, "role.permission_attached", "role", roleID, map[string]any{"permission_id": permissionID})
	s.notify(ctx, roleID)
	return err
}

// DetachPermission unlinks a permission from a role. A missing link is ErrNotFound.
func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID, actorID int64) error {
	if err := s.repo.UnlinkPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	err := s.changed(ctx, actorID, "role.permission_detached", "role", roleID, map[string]any{"permission_id": permissionID})
	s.notify(ctx, roleID)
	return err
}

// ListRolePermissions returns the raw links of an existing role.
func (s *Service) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.ListRolePermissions(ctx, roleID)
}

// changed audits a committed catalog change and bumps the catalog generation.
// A failed bump is returned to the caller wrapped in shared.ErrCacheInvalidation.
func (s *Service) changed(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) error {
	invErr := s.invalidator.InvalidateCatalog(ctx)
	if invErr != nil {
		s.logger.Warn("invalidate catalog", slog.String("action", action), slog.Any("error", invErr))
		invErr = fmt.Errorf("catalog: %s %s %d: %w", action, entity, id, invErr)
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
	return invErr
}

func (s *Service) notify(ctx context.Context, roleID int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyRoleChanged(ctx, roleID); err != nil {
		s.logger.Warn("enqueue role change", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

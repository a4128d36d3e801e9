package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	GetUser(ctx context.Context, id int64) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	InsertUser(ctx context.Context, in NewUser) (User, error)
	SetUserActive(ctx context.Context, id int64, active bool) (User, error)
}

// Service handles user lookups and provisioning.
type Service struct {
	repo        RepositoryPort
	audit       shared.AuditRecorder
	invalidator shared.PermissionInvalidator
	logger      *slog.Logger
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
	return &Service{repo: repo, audit: audit, invalidator: invalidator, logger: logger}
}

// GetUser returns the user or shared.ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, shared.ErrNotFound
	}
	return s.repo.GetUser(ctx, id)
}

// IsActive reports whether the user exists and is active. Missing users are
// inactive; storage failures are returned.
func (s *Service) IsActive(ctx context.Context, id int64) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsActive, nil
}

// List returns every user, active or not.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Provision registers a new active user.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := shared.ValidateStruct(in); err != nil {
		return User{}, err
	}
	u, err := s.repo.InsertUser(ctx, NewUser{
		Username:    in.Username,
		UsernameKey: shared.FoldName(in.Username),
		DisplayName: in.DisplayName,
	})
	if err != nil {
		return User{}, err
	}
	s.record(ctx, in.ActorID, "user.provisioned", u.ID, map[string]any{"username": u.Username})
	return u, nil
}

// Deactivate marks the user inactive. Their assignments stay on record but no
// longer produce permissions.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64) (User, error) {
	return s.setActive(ctx, id, actorID, false)
}

// Reactivate restores a deactivated user.
func (s *Service) Reactivate(ctx context.Context, id, actorID int64) (User, error) {
	return s.setActive(ctx, id, actorID, true)
}

func (s *Service) setActive(ctx context.Context, id, actorID int64, active bool) (User, error) {
	u, err := s.repo.SetUserActive(ctx, id, active)
	if err != nil {
		return User{}, err
	}
	action := "user.deactivated"
	if active {
		action = "user.reactivated"
	}
	s.record(ctx, actorID, action, id, nil)
	if err := s.invalidator.InvalidateUser(ctx, id); err != nil {
		s.logger.Warn("invalidate user permissions", slog.Int64("user_id", id), slog.Any("error", err))
		return u, fmt.Errorf("identity: %s %d: %w", action, id, err)
	}
	return u, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

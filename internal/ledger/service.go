package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// RepositoryPort defines data access methods for role assignments.
type RepositoryPort interface {
	WithPairLock(ctx context.Context, userID, roleID int64, fn func(context.Context, TxRepository) error) error
	ListAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	RolesInEffect(ctx context.Context, userID int64, asOf time.Time) ([]int64, error)
	HoldersOfRole(ctx context.Context, roleID int64, asOf time.Time) ([]int64, error)
	ExpiredBetween(ctx context.Context, from, to time.Time) ([]Assignment, error)
}

// TxRepository defines operations performed while the pair lock is held.
type TxRepository interface {
	AssignmentsForPair(ctx context.Context, userID, roleID int64) ([]Assignment, error)
	InsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	CloseAssignment(ctx context.Context, id int64, until time.Time, revokedBy int64) (Assignment, error)
}

// UserDirectory resolves users for grant validation.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (identity.User, error)
}

// RoleDirectory resolves roles for grant validation.
type RoleDirectory interface {
	GetRole(ctx context.Context, id int64) (catalog.Role, error)
}

// Service records which user holds which role and when.
type Service struct {
	repo        RepositoryPort
	users       UserDirectory
	roles       RoleDirectory
	audit       shared.AuditRecorder
	invalidator shared.PermissionInvalidator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service instance. Nil audit and invalidator fall back to no-ops.
func NewService(repo RepositoryPort, users UserDirectory, roles RoleDirectory, audit shared.AuditRecorder, invalidator shared.PermissionInvalidator, logger *slog.Logger) *Service {
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
		users:       users,
		roles:       roles,
		audit:       audit,
		invalidator: invalidator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the grant clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// RolesOfUser returns the active roles the user holds at asOf. Missing and
// inactive users hold none.
func (s *Service) RolesOfUser(ctx context.Context, userID int64, asOf time.Time) ([]int64, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, nil
	}
	return s.repo.RolesInEffect(ctx, userID, asOf)
}

// Grant assigns a role to a user for the requested window.
func (s *Service) Grant(ctx context.Context, in GrantInput) (Assignment, error) {
	if err := shared.ValidateStruct(in); err != nil {
		return Assignment{}, err
	}
	now := s.now()
	from := now
	if in.ValidFrom != nil {
		from = in.ValidFrom.UTC()
	}
	var until *time.Time
	if in.ValidUntil != nil {
		u := in.ValidUntil.UTC()
		until = &u
	}
	if until != nil && until.Before(from) {
		return Assignment{}, fmt.Errorf("ledger: valid_until %s before valid_from %s: %w", until.Format(time.RFC3339), from.Format(time.RFC3339), shared.ErrInvalidWindow)
	}
	if err := s.checkGrantable(ctx, in.UserID, in.RoleID); err != nil {
		return Assignment{}, err
	}

	var created Assignment
	err := s.repo.WithPairLock(ctx, in.UserID, in.RoleID, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.AssignmentsForPair(ctx, in.UserID, in.RoleID)
		if err != nil {
			return err
		}
		for _, a := range existing {
			if a.Overlaps(from, until) {
				return fmt.Errorf("ledger: user %d role %d overlaps assignment %d: %w", in.UserID, in.RoleID, a.ID, shared.ErrConflict)
			}
		}
		created, err = tx.InsertAssignment(ctx, Assignment{
			UserID:     in.UserID,
			RoleID:     in.RoleID,
			AssignedAt: now,
			AssignedBy: in.GrantedBy,
			ValidFrom:  from,
			ValidUntil: until,
		})
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	return created, s.changed(ctx, in.GrantedBy, "assignment.granted", created)
}

func (s *Service) checkGrantable(ctx context.Context, userID, roleID int64) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsActive {
		return fmt.Errorf("ledger: user %d: %w", userID, shared.Inactive("user"))
	}
	role, err := s.roles.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return fmt.Errorf("ledger: role %d: %w", roleID, shared.Inactive("role"))
	}
	return nil
}

// Revoke closes the user's open assignment of the role at revokedAt. Future
// dated grants collapse to an empty window. A zero revokedAt means now.
func (s *Service) Revoke(ctx context.Context, userID, roleID, revokedBy int64, revokedAt time.Time) (Assignment, error) {
	if revokedAt.IsZero() {
		revokedAt = s.now()
	}
	revokedAt = revokedAt.UTC()

	var closed Assignment
	err := s.repo.WithPairLock(ctx, userID, roleID, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.AssignmentsForPair(ctx, userID, roleID)
		if err != nil {
			return err
		}
		target, ok := pickRevocable(existing, revokedAt)
		if !ok {
			return fmt.Errorf("ledger: no open assignment for user %d role %d: %w", userID, roleID, shared.ErrNotFound)
		}
		until := revokedAt
		if until.Before(target.ValidFrom) {
			until = target.ValidFrom
		}
		closed, err = tx.CloseAssignment(ctx, target.ID, until, revokedBy)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	return closed, s.changed(ctx, revokedBy, "assignment.revoked", closed)
}

// pickRevocable prefers the assignment in effect at t, then the earliest
// future one.
func pickRevocable(assignments []Assignment, t time.Time) (Assignment, bool) {
	var candidate Assignment
	found := false
	for _, a := range assignments {
		if !a.OpenAt(t) {
			continue
		}
		if a.InEffect(t) {
			return a, true
		}
		if !found || a.ValidFrom.Before(candidate.ValidFrom) {
			candidate, found = a, true
		}
	}
	return candidate, found
}

// ListAssignments returns the user's full assignment history.
func (s *Service) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

// HoldersOfRole returns the active users holding the role at asOf.
func (s *Service) HoldersOfRole(ctx context.Context, roleID int64, asOf time.Time) ([]int64, error) {
	return s.repo.HoldersOfRole(ctx, roleID, asOf)
}

// ExpiredBetween returns assignments that lapsed on their own in [from, to).
func (s *Service) ExpiredBetween(ctx context.Context, from, to time.Time) ([]Assignment, error) {
	return s.repo.ExpiredBetween(ctx, from, to)
}

// NextTransition returns the earliest window boundary of any of the user's
// assignments strictly after asOf.
func (s *Service) NextTransition(ctx context.Context, userID int64, asOf time.Time) (time.Time, bool, error) {
	assignments, err := s.repo.ListAssignments(ctx, userID)
	if err != nil {
		return time.Time{}, false, err
	}
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if t.After(asOf) && (!found || t.Before(next)) {
			next, found = t, true
		}
	}
	for _, a := range assignments {
		if a.Empty() {
			continue
		}
		consider(a.ValidFrom)
		if a.ValidUntil != nil {
			consider(*a.ValidUntil)
		}
	}
	return next, found, nil
}

// changed audits a committed assignment change and invalidates the user's
// permissions. The invalidation error is returned alongside the committed
// assignment; it wraps shared.ErrCacheInvalidation when the bump is pending.
func (s *Service) changed(ctx context.Context, actorID int64, action string, a Assignment) error {
	invErr := s.invalidator.InvalidateUser(ctx, a.UserID)
	if invErr != nil {
		s.logger.Warn("invalidate user permissions", slog.Int64("user_id", a.UserID), slog.Any("error", invErr))
		invErr = fmt.Errorf("ledger: %s %d: %w", action, a.ID, invErr)
	}
	meta := map[string]any{
		"user_id":    a.UserID,
		"role_id":    a.RoleID,
		"valid_from": a.ValidFrom,
	}
	if a.ValidUntil != nil {
		meta["valid_until"] = *a.ValidUntil
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "role_assignment",
		EntityID: strconv.FormatInt(a.ID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
	return invErr
}

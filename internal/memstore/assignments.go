package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

func cloneAssignment(a ledger.Assignment) ledger.Assignment {
	if a.ValidUntil != nil {
		u := *a.ValidUntil
		a.ValidUntil = &u
	}
	if a.RevokedBy != nil {
		r := *a.RevokedBy
		a.RevokedBy = &r
	}
	return a
}

func sortAssignments(out []ledger.Assignment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidFrom.Before(out[j].ValidFrom)
	})
}

// WithPairLock implements ledger.RepositoryPort. The whole store is write
// locked while fn runs.
func (s *Store) WithPairLock(ctx context.Context, _, _ int64, fn func(context.Context, ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &storeTx{s: s})
}

// ListAssignments implements ledger.RepositoryPort.
func (s *Store) ListAssignments(_ context.Context, userID int64) ([]ledger.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, cloneAssignment(a))
		}
	}
	sortAssignments(out)
	return out, nil
}

// RolesInEffect implements ledger.RepositoryPort.
func (s *Store) RolesInEffect(_ context.Context, userID int64, asOf time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, a := range s.assignments {
		if a.UserID != userID || !a.InEffect(asOf) {
			continue
		}
		if role, ok := s.roles[a.RoleID]; !ok || !role.IsActive {
			continue
		}
		if _, dup := seen[a.RoleID]; dup {
			continue
		}
		seen[a.RoleID] = struct{}{}
		out = append(out, a.RoleID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// HoldersOfRole implements ledger.RepositoryPort.
func (s *Store) HoldersOfRole(_ context.Context, roleID int64, asOf time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for _, a := range s.assignments {
		if a.RoleID != roleID || !a.InEffect(asOf) {
			continue
		}
		if u, ok := s.users[a.UserID]; !ok || !u.IsActive {
			continue
		}
		if _, dup := seen[a.UserID]; dup {
			continue
		}
		seen[a.UserID] = struct{}{}
		out = append(out, a.UserID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ExpiredBetween implements ledger.RepositoryPort.
func (s *Store) ExpiredBetween(_ context.Context, from, to time.Time) ([]ledger.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Assignment
	for _, a := range s.assignments {
		if a.RevokedBy != nil || a.ValidUntil == nil || a.Empty() {
			continue
		}
		if a.ValidUntil.Before(from) || !a.ValidUntil.Before(to) {
			continue
		}
		out = append(out, cloneAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidUntil.Equal(*out[j].ValidUntil) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidUntil.Before(*out[j].ValidUntil)
	})
	return out, nil
}

// storeTx runs with s.mu already held for writing.
type storeTx struct {
	s *Store
}

func (t *storeTx) AssignmentsForPair(_ context.Context, userID, roleID int64) ([]ledger.Assignment, error) {
	var out []ledger.Assignment
	for _, a := range t.s.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			out = append(out, cloneAssignment(a))
		}
	}
	sortAssignments(out)
	return out, nil
}

func (t *storeTx) InsertAssignment(_ context.Context, a ledger.Assignment) (ledger.Assignment, error) {
	t.s.nextAssignmentID++
	a.ID = t.s.nextAssignmentID
	a = cloneAssignment(a)
	t.s.assignments[a.ID] = a
	return cloneAssignment(a), nil
}

func (t *storeTx) CloseAssignment(_ context.Context, id int64, until time.Time, revokedBy int64) (ledger.Assignment, error) {
	a, ok := t.s.assignments[id]
	if !ok {
		return ledger.Assignment{}, fmt.Errorf("memstore: assignment %d: %w", id, shared.ErrNotFound)
	}
	a.ValidUntil = &until
	a.RevokedBy = &revokedBy
	t.s.assignments[id] = a
	return cloneAssignment(a), nil
}

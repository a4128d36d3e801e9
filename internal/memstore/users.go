package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// GetUser implements identity.RepositoryPort.
func (s *Store) GetUser(_ context.Context, id int64) (identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, fmt.Errorf("memstore: user %d: %w", id, shared.ErrNotFound)
	}
	return u, nil
}

// ListUsers implements identity.RepositoryPort.
func (s *Store) ListUsers(context.Context) ([]identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertUser implements identity.RepositoryPort.
func (s *Store) InsertUser(_ context.Context, in identity.NewUser) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if shared.FoldName(u.Username) == in.UsernameKey {
			return identity.User{}, fmt.Errorf("memstore: username %q: %w", in.Username, shared.ErrConflict)
		}
	}
	s.nextUserID++
	now := s.now()
	u := identity.User{
		ID:          s.nextUserID,
		Username:    in.Username,
		DisplayName: in.DisplayName,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.users[u.ID] = u
	return u, nil
}

// SetUserActive implements identity.RepositoryPort.
func (s *Store) SetUserActive(_ context.Context, id int64, active bool) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return identity.User{}, fmt.Errorf("memstore: user %d: %w", id, shared.ErrNotFound)
	}
	u.IsActive = active
	u.UpdatedAt = s.now()
	s.users[id] = u
	return u, nil
}

// Package memstore keeps users, the role catalog and the assignment ledger in
// process memory. It backs AUTHZ_STORE=memory and the package tests.
package memstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/catalog"
	"github.com/odyssey-erp/gatehouse/internal/identity"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Store is safe for concurrent use. Reads share a read lock; ledger
// transactions hold the write lock for their whole duration.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[int64]identity.User
	roles       map[int64]catalog.Role
	permissions map[int64]catalog.Permission
	links       map[linkKey]catalog.RolePermission
	assignments map[int64]ledger.Assignment
	audit       []shared.AuditLog
	idempotency map[string]string

	nextUserID       int64
	nextRoleID       int64
	nextPermissionID int64
	nextAssignmentID int64
}

type linkKey struct {
	roleID       int64
	permissionID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		users:       make(map[int64]identity.User),
		roles:       make(map[int64]catalog.Role),
		permissions: make(map[int64]catalog.Permission),
		links:       make(map[linkKey]catalog.RolePermission),
		assignments: make(map[int64]ledger.Assignment),
		idempotency: make(map[string]string),
	}
}

var (
	_ identity.RepositoryPort   = (*Store)(nil)
	_ catalog.RepositoryPort    = (*Store)(nil)
	_ ledger.RepositoryPort     = (*Store)(nil)
	_ shared.AuditRecorder      = (*Store)(nil)
	_ shared.IdempotencyChecker = (*Store)(nil)
)

// Record implements shared.AuditRecorder.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	if err := shared.ValidateAuditLog(&log); err != nil {
		return err
	}
	s.mu.Lock()
	s.audit = append(s.audit, log)
	s.mu.Unlock()
	return nil
}

// AuditTrail returns a copy of every recorded audit entry, oldest first.
func (s *Store) AuditTrail() []shared.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]shared.AuditLog(nil), s.audit...)
}

// CheckAndInsert implements shared.IdempotencyChecker.
func (s *Store) CheckAndInsert(_ context.Context, key, module string) error {
	key = strings.TrimSpace(key)
	if key == "" || module == "" {
		return errors.New("memstore: idempotency key and module required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.idempotency[key] = module
	return nil
}

// Delete implements shared.IdempotencyChecker.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.idempotency, strings.TrimSpace(key))
	s.mu.Unlock()
	return nil
}

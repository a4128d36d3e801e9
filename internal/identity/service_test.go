package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

type memoryUserRepo struct {
	users  map[int64]User
	keys   map[string]int64
	nextID int64
	getErr error
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[int64]User), keys: make(map[string]int64)}
}

func (r *memoryUserRepo) GetUser(ctx context.Context, id int64) (User, error) {
	if r.getErr != nil {
		return User{}, r.getErr
	}
	u, ok := r.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

func (r *memoryUserRepo) ListUsers(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(r.users))
	for id := int64(1); id <= r.nextID; id++ {
		if u, ok := r.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r *memoryUserRepo) InsertUser(ctx context.Context, in NewUser) (User, error) {
	if _, taken := r.keys[in.UsernameKey]; taken {
		return User{}, shared.ErrConflict
	}
	r.nextID++
	u := User{ID: r.nextID, Username: in.Username, DisplayName: in.DisplayName, IsActive: true}
	r.users[u.ID] = u
	r.keys[in.UsernameKey] = u.ID
	return u, nil
}

func (r *memoryUserRepo) SetUserActive(ctx context.Context, id int64, active bool) (User, error) {
	u, ok := r.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	u.IsActive = active
	r.users[id] = u
	return u, nil
}

type recordingAudit struct {
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.entries = append(a.entries, log)
	return nil
}

type recordingInvalidator struct {
	users   []int64
	catalog int
	err     error
}

func (i *recordingInvalidator) InvalidateUser(ctx context.Context, userID int64) error {
	i.users = append(i.users, userID)
	return i.err
}

func (i *recordingInvalidator) InvalidateCatalog(ctx context.Context) error {
	i.catalog++
	return nil
}

func TestProvisionTrimsAndAudits(t *testing.T) {
	repo := newMemoryUserRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, audit, nil, nil)

	u, err := svc.Provision(context.Background(), ProvisionInput{Username: "  alice ", DisplayName: " Alice A ", ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "Alice A", u.DisplayName)
	require.True(t, u.IsActive)

	require.Len(t, audit.entries, 1)
	require.Equal(t, "user.provisioned", audit.entries[0].Action)
	require.EqualValues(t, 9, audit.entries[0].ActorID)
	require.Equal(t, "1", audit.entries[0].EntityID)
}

func TestProvisionRejectsDuplicateIgnoringCase(t *testing.T) {
	svc := NewService(newMemoryUserRepo(), nil, nil, nil)
	_, err := svc.Provision(context.Background(), ProvisionInput{Username: "Alice"})
	require.NoError(t, err)

	_, err = svc.Provision(context.Background(), ProvisionInput{Username: "ALICE"})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestProvisionValidatesUsername(t *testing.T) {
	svc := NewService(newMemoryUserRepo(), nil, nil, nil)
	_, err := svc.Provision(context.Background(), ProvisionInput{Username: "   "})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeactivateInvalidatesUser(t *testing.T) {
	repo := newMemoryUserRepo()
	inv := &recordingInvalidator{}
	audit := &recordingAudit{}
	svc := NewService(repo, audit, inv, nil)
	ctx := context.Background()

	u, err := svc.Provision(ctx, ProvisionInput{Username: "bob"})
	require.NoError(t, err)

	u, err = svc.Deactivate(ctx, u.ID, 1)
	require.NoError(t, err)
	require.False(t, u.IsActive)
	require.Equal(t, []int64{u.ID}, inv.users)

	active, err := svc.IsActive(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, active)

	u, err = svc.Reactivate(ctx, u.ID, 1)
	require.NoError(t, err)
	require.True(t, u.IsActive)
	require.Equal(t, "user.reactivated", audit.entries[len(audit.entries)-1].Action)

	_, err = svc.Deactivate(ctx, 404, 1)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestIsActiveMissingUserIsInactive(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := NewService(repo, nil, nil, nil)

	active, err := svc.IsActive(context.Background(), 77)
	require.NoError(t, err)
	require.False(t, active)

	active, err = svc.IsActive(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, active)

	repo.getErr = errors.New("connection reset")
	_, err = svc.IsActive(context.Background(), 1)
	require.Error(t, err)
}

func TestDeactivateSurfacesFailedInvalidation(t *testing.T) {
	repo := newMemoryUserRepo()
	inv := &recordingInvalidator{err: fmt.Errorf("%w: redis down", shared.ErrCacheInvalidation)}
	audit := &recordingAudit{}
	svc := NewService(repo, audit, inv, nil)
	ctx := context.Background()

	u, err := svc.Provision(ctx, ProvisionInput{Username: "erin"})
	require.NoError(t, err)

	got, err := svc.Deactivate(ctx, u.ID, 2)
	require.ErrorIs(t, err, shared.ErrCacheInvalidation)
	require.False(t, got.IsActive)

	active, err := svc.IsActive(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, active, "the deactivation is committed")
	require.Equal(t, "user.deactivated", audit.entries[len(audit.entries)-1].Action)
}

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Invalidator drops cached permission sets in the current request's session
// cache and in the shared cache.
//
// A bump that fails is remembered as pending. While a user (or the catalog)
// is pending the resolver bypasses the shared cache for it, and every lookup
// and every Run tick retries the bump until it lands.
type Invalidator struct {
	bumper GenerationBumper
	logger *slog.Logger

	mu             sync.Mutex
	seq            uint64
	pendingUsers   map[int64]uint64
	pendingCatalog uint64
}

// NewInvalidator builds an Invalidator. bumper may be nil when no shared cache
// is configured.
func NewInvalidator(bumper GenerationBumper) *Invalidator {
	return &Invalidator{bumper: bumper, logger: slog.Default(), pendingUsers: make(map[int64]uint64)}
}

// WithLogger sets the logger used by Run.
func (i *Invalidator) WithLogger(logger *slog.Logger) *Invalidator {
	if logger != nil {
		i.logger = logger
	}
	return i
}

// InvalidateUser implements shared.PermissionInvalidator. A failed bump wraps
// shared.ErrCacheInvalidation and stays pending.
func (i *Invalidator) InvalidateUser(ctx context.Context, userID int64) error {
	SessionCacheFromContext(ctx).Forget(userID)
	if i == nil || i.bumper == nil {
		return nil
	}
	if err := i.bumpUser(ctx, userID); err != nil {
		return fmt.Errorf("%w: user %d: %w", shared.ErrCacheInvalidation, userID, err)
	}
	return nil
}

// InvalidateCatalog implements shared.PermissionInvalidator. A failed bump
// wraps shared.ErrCacheInvalidation and stays pending.
func (i *Invalidator) InvalidateCatalog(ctx context.Context) error {
	SessionCacheFromContext(ctx).Reset()
	if i == nil || i.bumper == nil {
		return nil
	}
	if err := i.bumpCatalog(ctx); err != nil {
		return fmt.Errorf("%w: catalog: %w", shared.ErrCacheInvalidation, err)
	}
	return nil
}

// InvalidateUsers bumps each user and joins the failures.
func (i *Invalidator) InvalidateUsers(ctx context.Context, userIDs []int64) error {
	var errs []error
	for _, id := range userIDs {
		if err := i.InvalidateUser(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stale reports whether the shared cache must not be trusted for userID. It
// retries any pending bump that concerns the user first.
func (i *Invalidator) Stale(ctx context.Context, userID int64) bool {
	if i == nil || i.bumper == nil {
		return false
	}
	i.mu.Lock()
	_, userPending := i.pendingUsers[userID]
	catalogPending := i.pendingCatalog != 0
	i.mu.Unlock()

	if catalogPending && i.bumpCatalog(ctx) != nil {
		return true
	}
	if userPending && i.bumpUser(ctx, userID) != nil {
		return true
	}
	return false
}

// Pending reports how many bumps are still outstanding, counting the catalog
// as one.
func (i *Invalidator) Pending() int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.pendingUsers)
	if i.pendingCatalog != 0 {
		n++
	}
	return n
}

// Flush retries every pending bump once.
func (i *Invalidator) Flush(ctx context.Context) error {
	if i == nil || i.bumper == nil {
		return nil
	}
	i.mu.Lock()
	users := make([]int64, 0, len(i.pendingUsers))
	for id := range i.pendingUsers {
		users = append(users, id)
	}
	catalogPending := i.pendingCatalog != 0
	i.mu.Unlock()

	var errs []error
	if catalogPending {
		if err := i.bumpCatalog(ctx); err != nil {
			errs = append(errs, fmt.Errorf("catalog: %w", err))
		}
	}
	for _, id := range users {
		if err := i.bumpUser(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes pending bumps every interval until ctx is done.
func (i *Invalidator) Run(ctx context.Context, interval time.Duration) {
	if i == nil || i.bumper == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if i.Pending() == 0 {
				continue
			}
			if err := i.Flush(ctx); err != nil {
				i.logger.Warn("retry permission cache invalidation", slog.Int("pending", i.Pending()), slog.Any("error", err))
			}
		}
	}
}

// bumpUser clears the pending mark only when the successful bump started
// after the mark was set.
func (i *Invalidator) bumpUser(ctx context.Context, userID int64) error {
	i.mu.Lock()
	i.seq++
	started := i.seq
	i.mu.Unlock()

	err := i.bumper.BumpUser(ctx, userID)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.seq++
		i.pendingUsers[userID] = i.seq
		return err
	}
	if mark, ok := i.pendingUsers[userID]; ok && mark < started {
		delete(i.pendingUsers, userID)
	}
	return nil
}

func (i *Invalidator) bumpCatalog(ctx context.Context) error {
	i.mu.Lock()
	i.seq++
	started := i.seq
	i.mu.Unlock()

	err := i.bumper.BumpCatalog(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.seq++
		i.pendingCatalog = i.seq
		return err
	}
	if i.pendingCatalog != 0 && i.pendingCatalog < started {
		i.pendingCatalog = 0
	}
	return nil
}

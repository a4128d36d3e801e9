// Package authz computes fail-closed authorization decisions from the
// identity store, the role catalog and the assignment ledger.
package authz

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// UserSource reports user activity.
type UserSource interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
}

// RoleSource reports which roles a user holds and when that changes.
type RoleSource interface {
	RolesOfUser(ctx context.Context, userID int64, asOf time.Time) ([]int64, error)
	NextTransition(ctx context.Context, userID int64, asOf time.Time) (time.Time, bool, error)
}

// PermissionSource reports the permissions of a role.
type PermissionSource interface {
	PermissionsOfRole(ctx context.Context, roleID int64, asOf time.Time) (shared.PermissionSet, error)
}

// Recorder receives resolver instrumentation.
type Recorder interface {
	ObserveResolution(outcome string, elapsed time.Duration)
	ObserveDecision(allowed bool)
}

// Resolution outcomes reported to the Recorder.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

const roleFetchConcurrency = 8

// Options configures a Resolver.
type Options struct {
	// Timeout bounds one resolution; zero disables it.
	Timeout time.Duration
	Cache   Cache
	// Invalidator, when set, makes the resolver bypass Cache for users whose
	// invalidation has not reached it yet.
	Invalidator *Invalidator
	Recorder    Recorder
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Resolver answers "may user U exercise permission P at time T". It never
// surfaces errors: any failure denies.
type Resolver struct {
	users    UserSource
	roles    RoleSource
	perms    PermissionSource
	cache    Cache
	pending  *Invalidator
	recorder Recorder
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group
}

// NewResolver wires the three sources into a resolver.
func NewResolver(users UserSource, roles RoleSource, perms PermissionSource, opts Options) *Resolver {
	r := &Resolver{
		users:    users,
		roles:    roles,
		perms:    perms,
		cache:    opts.Cache,
		pending:  opts.Invalidator,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
		now:      opts.Clock,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// Query is a single authorization question. A zero AsOf means now.
type Query struct {
	UserID     int64     `json:"user_id"`
	Permission string    `json:"permission"`
	AsOf       time.Time `json:"as_of,omitempty"`
}

// Decision is the answer to a Query. It carries no reason.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	CacheHit  bool      `json:"cache_hit"`
	CheckedAt time.Time `json:"checked_at"`
}

// Decide resolves q.
func (r *Resolver) Decide(ctx context.Context, q Query) Decision {
	asOf := r.asOf(q.AsOf)
	key := shared.NormalizeKey(q.Permission)
	if key == "" {
		r.observeDecision(false)
		return Decision{CheckedAt: asOf}
	}
	set, hit := r.resolve(ctx, q.UserID, asOf)
	allowed := set.Has(key)
	r.observeDecision(allowed)
	return Decision{Allowed: allowed, CacheHit: hit, CheckedAt: asOf}
}

// ResolvePermissions returns the user's effective permission set at asOf.
func (r *Resolver) ResolvePermissions(ctx context.Context, userID int64, asOf time.Time) shared.PermissionSet {
	set, _ := r.resolve(ctx, userID, r.asOf(asOf))
	return set
}

// HasPermission reports whether the user holds key at asOf.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, key string, asOf time.Time) bool {
	return r.Decide(ctx, Query{UserID: userID, Permission: key, AsOf: asOf}).Allowed
}

// HasAny reports whether the user holds at least one of keys. An empty key
// list is denied.
func (r *Resolver) HasAny(ctx context.Context, userID int64, asOf time.Time, keys ...string) bool {
	if len(keys) == 0 {
		return false
	}
	set := r.ResolvePermissions(ctx, userID, asOf)
	for _, k := range keys {
		if set.Has(k) {
			return true
		}
	}
	return false
}

// HasAll reports whether the user holds every key. An empty key list is denied.
func (r *Resolver) HasAll(ctx context.Context, userID int64, asOf time.Time, keys ...string) bool {
	if len(keys) == 0 {
		return false
	}
	set := r.ResolvePermissions(ctx, userID, asOf)
	for _, k := range keys {
		if !set.Has(k) {
			return false
		}
	}
	return true
}

func (r *Resolver) asOf(t time.Time) time.Time {
	if t.IsZero() {
		return r.now()
	}
	return t.UTC()
}

func (r *Resolver) resolve(ctx context.Context, userID int64, asOf time.Time) (shared.PermissionSet, bool) {
	start := time.Now()
	if userID <= 0 {
		r.observeResolution(OutcomeMiss, start)
		return shared.PermissionSet{}, false
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	session := SessionCacheFromContext(ctx)
	if e, ok := session.lookup(userID, asOf); ok {
		r.observeResolution(OutcomeHit, start)
		return e.Set(), true
	}

	cache := r.cache
	if cache != nil && r.pending.Stale(ctx, userID) {
		cache = nil
	}

	var stamp Stamp
	if cache != nil {
		e, st, hit, err := cache.Get(ctx, userID, asOf)
		if err != nil {
			r.logger.Warn("authz cache lookup", slog.Int64("user_id", userID), slog.Any("error", err))
		}
		if hit {
			session.store(userID, e)
			r.observeResolution(OutcomeHit, start)
			return e.Set(), true
		}
		stamp = st
	}

	entry, err := r.load(ctx, userID, asOf, stamp)
	if err != nil {
		r.logger.Error("authz resolve failed, denying", slog.Int64("user_id", userID), slog.Time("as_of", asOf), slog.Any("error", err))
		r.observeResolution(OutcomeError, start)
		return shared.PermissionSet{}, false
	}
	if cache != nil && stamp.Known {
		if err := cache.Put(ctx, userID, stamp, entry); err != nil {
			r.logger.Warn("authz cache store", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	session.store(userID, entry)
	r.observeResolution(OutcomeMiss, start)
	return entry.Set(), false
}

// load coalesces concurrent misses that observed the same generations. A
// follower whose asOf falls outside the leader's interval computes its own.
func (r *Resolver) load(ctx context.Context, userID int64, asOf time.Time, stamp Stamp) (Entry, error) {
	if !stamp.Known {
		return r.compute(ctx, userID, asOf)
	}
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(stamp.UserGen, 10) + ":" + strconv.FormatInt(stamp.CatalogGen, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.compute(ctx, userID, asOf)
	})
	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if res.Shared {
				return r.compute(ctx, userID, asOf)
			}
			return Entry{}, res.Err
		}
		entry := res.Val.(Entry)
		if !entry.Covers(asOf) {
			return r.compute(ctx, userID, asOf)
		}
		return entry, nil
	}
}

// compute runs the uncached resolution. All three sources are consulted with
// the same asOf; any source failure fails the whole resolution.
func (r *Resolver) compute(ctx context.Context, userID int64, asOf time.Time) (Entry, error) {
	active, err := r.users.IsActive(ctx, userID)
	if err != nil {
		return Entry{}, err
	}
	if !active {
		return Entry{From: asOf}, nil
	}
	roleIDs, err := r.roles.RolesOfUser(ctx, userID, asOf)
	if err != nil {
		return Entry{}, err
	}

	sets := make([]shared.PermissionSet, len(roleIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(roleFetchConcurrency)
	for i, roleID := range roleIDs {
		g.Go(func() error {
			set, err := r.perms.PermissionsOfRole(gctx, roleID, asOf)
			if err != nil {
				return err
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Entry{}, err
	}
	union := shared.PermissionSet{}
	for _, s := range sets {
		union.Union(s)
	}

	entry := Entry{Keys: union.Keys(), From: asOf}
	next, ok, err := r.roles.NextTransition(ctx, userID, asOf)
	if err != nil {
		return Entry{}, err
	}
	if ok {
		entry.Until = &next
	}
	return entry, nil
}

func (r *Resolver) observeResolution(outcome string, start time.Time) {
	if r.recorder != nil {
		r.recorder.ObserveResolution(outcome, time.Since(start))
	}
}

func (r *Resolver) observeDecision(allowed bool) {
	if r.recorder != nil {
		r.recorder.ObserveDecision(allowed)
	}
}

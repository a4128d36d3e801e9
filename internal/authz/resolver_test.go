package authz_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/gatehouse/internal/authz"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type grant struct {
	role  int64
	from  time.Time
	until *time.Time
}

func (g grant) inEffect(t time.Time) bool {
	return !t.Before(g.from) && (g.until == nil || t.Before(*g.until))
}

type stubSources struct {
	mu       sync.Mutex
	active   map[int64]bool
	grants   map[int64][]grant
	perms    map[int64][]string
	userErr  error
	roleErr  error
	permErr  error
	gate     chan struct{}
	computes atomic.Int32
}

func newStubSources() *stubSources {
	return &stubSources{
		active: make(map[int64]bool),
		grants: make(map[int64][]grant),
		perms:  make(map[int64][]string),
	}
}

func (s *stubSources) IsActive(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return false, s.userErr
	}
	return s.active[userID], nil
}

func (s *stubSources) RolesOfUser(ctx context.Context, userID int64, asOf time.Time) ([]int64, error) {
	s.computes.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleErr != nil {
		return nil, s.roleErr
	}
	var out []int64
	for _, g := range s.grants[userID] {
		if g.inEffect(asOf) {
			out = append(out, g.role)
		}
	}
	return out, nil
}

func (s *stubSources) NextTransition(_ context.Context, userID int64, asOf time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if t.After(asOf) && (!found || t.Before(next)) {
			next, found = t, true
		}
	}
	for _, g := range s.grants[userID] {
		consider(g.from)
		if g.until != nil {
			consider(*g.until)
		}
	}
	return next, found, nil
}

func (s *stubSources) PermissionsOfRole(_ context.Context, roleID int64, _ time.Time) (shared.PermissionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permErr != nil {
		return nil, s.permErr
	}
	return shared.NewPermissionSet(s.perms[roleID]...), nil
}

func (s *stubSources) setPerms(roleID int64, keys ...string) {
	s.mu.Lock()
	s.perms[roleID] = keys
	s.mu.Unlock()
}

type recorder struct {
	mu        sync.Mutex
	outcomes  []string
	decisions []bool
}

func (r *recorder) ObserveResolution(outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recorder) ObserveDecision(allowed bool) {
	r.mu.Lock()
	r.decisions = append(r.decisions, allowed)
	r.mu.Unlock()
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

func newResolver(src *stubSources, opts authz.Options) *authz.Resolver {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return t0 }
	}
	return authz.NewResolver(src, src, src, opts)
}

func ptr(t time.Time) *time.Time { return &t }

func TestResolverUnionsRolePermissions(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}, {role: 20, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW", "ledger_post")
	src.setPerms(20, "LEDGER_POST", "USER_MGMT")
	r := newResolver(src, authz.Options{})
	ctx := context.Background()

	require.Equal(t, []string{"LEDGER_POST", "REPORTS_VIEW", "USER_MGMT"}, r.ResolvePermissions(ctx, 1, t0).Keys())
	require.True(t, r.HasPermission(ctx, 1, "reports_view", t0))
	require.False(t, r.HasPermission(ctx, 1, "ROLE_MGMT", t0))
	require.True(t, r.HasAny(ctx, 1, t0, "ROLE_MGMT", "USER_MGMT"))
	require.False(t, r.HasAny(ctx, 1, t0))
	require.True(t, r.HasAll(ctx, 1, t0, "LEDGER_POST", "USER_MGMT"))
	require.False(t, r.HasAll(ctx, 1, t0, "LEDGER_POST", "ROLE_MGMT"))
	require.False(t, r.HasAll(ctx, 1, t0))
}

func TestResolverDeniesUnknownAndInactiveUsers(t *testing.T) {
	src := newStubSources()
	src.grants[2] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW")
	r := newResolver(src, authz.Options{})

	require.False(t, r.HasPermission(context.Background(), 2, "REPORTS_VIEW", t0))
	require.False(t, r.HasPermission(context.Background(), 0, "REPORTS_VIEW", t0))
	require.Empty(t, r.ResolvePermissions(context.Background(), 99, t0))
}

func TestResolverFailsClosed(t *testing.T) {
	boom := errors.New("store unavailable")
	cases := map[string]func(*stubSources){
		"user source": func(s *stubSources) { s.userErr = boom },
		"role source": func(s *stubSources) { s.roleErr = boom },
		"perm source": func(s *stubSources) { s.permErr = boom },
	}
	for name, breakIt := range cases {
		t.Run(name, func(t *testing.T) {
			src := newStubSources()
			src.active[1] = true
			src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
			src.setPerms(10, "REPORTS_VIEW")
			breakIt(src)
			rec := &recorder{}
			r := newResolver(src, authz.Options{Recorder: rec, Cache: authz.NewLocalCache(time.Minute)})

			d := r.Decide(context.Background(), authz.Query{UserID: 1, Permission: "REPORTS_VIEW", AsOf: t0})
			require.False(t, d.Allowed)
			require.Equal(t, authz.OutcomeError, rec.last())
		})
	}
}

func TestResolverHonoursHalfOpenWindow(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	start, end := t0.Add(time.Hour), t0.Add(3*time.Hour)
	src.grants[1] = []grant{{role: 10, from: start, until: &end}}
	src.setPerms(10, "APPROVE")
	r := newResolver(src, authz.Options{Cache: authz.NewLocalCache(time.Hour)})
	ctx := context.Background()

	require.False(t, r.HasPermission(ctx, 1, "APPROVE", start.Add(-time.Nanosecond)))
	require.True(t, r.HasPermission(ctx, 1, "APPROVE", start))
	require.True(t, r.HasPermission(ctx, 1, "APPROVE", end.Add(-time.Nanosecond)))
	require.False(t, r.HasPermission(ctx, 1, "APPROVE", end))
	require.False(t, r.HasPermission(ctx, 1, "APPROVE", end.Add(time.Hour)))
}

func TestResolverDecideEmptyPermissionDenied(t *testing.T) {
	src := newStubSources()
	r := newResolver(src, authz.Options{})
	d := r.Decide(context.Background(), authz.Query{UserID: 1, Permission: "  "})
	require.False(t, d.Allowed)
	require.Equal(t, t0, d.CheckedAt)
	require.Zero(t, src.computes.Load())
}

func TestResolverCachesAndInvalidates(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW")
	cache := authz.NewLocalCache(time.Hour)
	rec := &recorder{}
	r := newResolver(src, authz.Options{Cache: cache, Recorder: rec})
	inv := authz.NewInvalidator(cache)
	ctx := context.Background()
	q := authz.Query{UserID: 1, Permission: "REPORTS_VIEW", AsOf: t0}

	first := r.Decide(ctx, q)
	require.True(t, first.Allowed)
	require.False(t, first.CacheHit)

	second := r.Decide(ctx, q)
	require.True(t, second.Allowed)
	require.True(t, second.CacheHit)
	require.EqualValues(t, 1, src.computes.Load())

	src.setPerms(10)
	require.True(t, r.Decide(ctx, q).Allowed, "stale until invalidated")

	require.NoError(t, inv.InvalidateCatalog(ctx))
	third := r.Decide(ctx, q)
	require.False(t, third.Allowed)
	require.False(t, third.CacheHit)
	require.EqualValues(t, 2, src.computes.Load())
	require.Equal(t, authz.OutcomeMiss, rec.last())
}

func TestResolverCacheEntryEndsAtNextTransition(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	end := t0.Add(time.Hour)
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour), until: &end}}
	src.setPerms(10, "APPROVE")
	r := newResolver(src, authz.Options{Cache: authz.NewLocalCache(24 * time.Hour)})
	ctx := context.Background()

	require.True(t, r.Decide(ctx, authz.Query{UserID: 1, Permission: "APPROVE", AsOf: t0}).Allowed)
	hit := r.Decide(ctx, authz.Query{UserID: 1, Permission: "APPROVE", AsOf: end.Add(-time.Second)})
	require.True(t, hit.Allowed)
	require.True(t, hit.CacheHit)

	after := r.Decide(ctx, authz.Query{UserID: 1, Permission: "APPROVE", AsOf: end})
	require.False(t, after.Allowed)
	require.False(t, after.CacheHit)
}

func TestResolverSessionCache(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW")
	r := newResolver(src, authz.Options{})
	inv := authz.NewInvalidator(nil)

	ctx := authz.ContextWithSessionCache(context.Background(), authz.NewSessionCache())
	q := authz.Query{UserID: 1, Permission: "REPORTS_VIEW", AsOf: t0}

	require.True(t, r.Decide(ctx, q).Allowed)
	src.setPerms(10)
	d := r.Decide(ctx, q)
	require.True(t, d.Allowed, "answers are stable within one request")
	require.True(t, d.CacheHit)

	require.False(t, r.Decide(context.Background(), q).Allowed)

	require.NoError(t, inv.InvalidateUser(ctx, 1))
	require.False(t, r.Decide(ctx, q).Allowed)
}

func TestResolverCoalescesConcurrentMisses(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW")
	src.gate = make(chan struct{})
	r := newResolver(src, authz.Options{Cache: authz.NewLocalCache(time.Hour)})

	const callers = 8
	var started, done sync.WaitGroup
	results := make([]bool, callers)
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			started.Done()
			results[i] = r.HasPermission(context.Background(), 1, "REPORTS_VIEW", t0)
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return src.computes.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	done.Wait()

	for _, ok := range results {
		require.True(t, ok)
	}
	require.EqualValues(t, 1, src.computes.Load())
}

func TestResolverTimeoutDenies(t *testing.T) {
	src := newStubSources()
	src.active[1] = true
	src.grants[1] = []grant{{role: 10, from: t0.Add(-time.Hour)}}
	src.setPerms(10, "REPORTS_VIEW")
	src.gate = make(chan struct{})
	defer close(src.gate)
	rec := &recorder{}
	r := newResolver(src, authz.Options{Timeout: 20 * time.Millisecond, Recorder: rec})

	start := time.Now()
	require.False(t, r.HasPermission(context.Background(), 1, "REPORTS_VIEW", t0))
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, authz.OutcomeError, rec.last())
}

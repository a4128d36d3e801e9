package authz

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/odyssey-erp/gatehouse/internal/shared"
)

// Entry is a cached permission set together with the interval over which it
// stays exact and the generations it was computed under.
type Entry struct {
	Keys       []string   `json:"keys"`
	From       time.Time  `json:"from"`
	Until      *time.Time `json:"until,omitempty"`
	UserGen    int64      `json:"user_gen"`
	CatalogGen int64      `json:"catalog_gen"`
}

// Covers reports whether t lies in [From, Until).
func (e Entry) Covers(t time.Time) bool {
	if t.Before(e.From) {
		return false
	}
	return e.Until == nil || t.Before(*e.Until)
}

// Set materialises the entry keys.
func (e Entry) Set() shared.PermissionSet {
	return shared.NewPermissionSet(e.Keys...)
}

// Stamp captures the generations current when a lookup missed. Entries are
// stored under the stamp observed before computing them, so an invalidation
// racing the computation leaves the stored entry stale and unused.
type Stamp struct {
	UserGen    int64
	CatalogGen int64
	Known      bool
}

func (s Stamp) matches(e Entry) bool {
	return s.Known && e.UserGen == s.UserGen && e.CatalogGen == s.CatalogGen
}

// Cache is a shared permission cache keyed by user.
type Cache interface {
	Get(ctx context.Context, userID int64, asOf time.Time) (Entry, Stamp, bool, error)
	Put(ctx context.Context, userID int64, stamp Stamp, entry Entry) error
}

// GenerationBumper invalidates shared cache entries.
type GenerationBumper interface {
	BumpUser(ctx context.Context, userID int64) error
	BumpCatalog(ctx context.Context) error
}

// SessionCache memoises resolutions for the lifetime of one request. It is
// never shared across requests.
type SessionCache struct {
	mu      sync.Mutex
	entries map[int64]Entry
}

// NewSessionCache returns an empty request-scoped cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{entries: make(map[int64]Entry)}
}

func (c *SessionCache) lookup(userID int64, asOf time.Time) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok || !e.Covers(asOf) {
		return Entry{}, false
	}
	return e, true
}

func (c *SessionCache) store(userID int64, e Entry) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[userID] = e
	c.mu.Unlock()
}

// Forget drops the entry of one user.
func (c *SessionCache) Forget(userID int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Reset drops every entry.
func (c *SessionCache) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[int64]Entry)
	c.mu.Unlock()
}

type sessionCacheKey struct{}

// ContextWithSessionCache attaches a request-scoped cache.
func ContextWithSessionCache(ctx context.Context, c *SessionCache) context.Context {
	return context.WithValue(ctx, sessionCacheKey{}, c)
}

// SessionCacheFromContext returns the request-scoped cache, or nil.
func SessionCacheFromContext(ctx context.Context) *SessionCache {
	c, _ := ctx.Value(sessionCacheKey{}).(*SessionCache)
	return c
}

// SessionMiddleware gives every request its own SessionCache.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithSessionCache(r.Context(), NewSessionCache())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LocalCache is an in-process shared cache used when Redis is not configured.
type LocalCache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	now        func() time.Time
	catalogGen int64
	userGen    map[int64]int64
	entries    map[int64]localEntry
}

type localEntry struct {
	entry   Entry
	expires time.Time
}

// NewLocalCache builds an in-process cache. ttl <= 0 disables expiry.
func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{
		ttl:     ttl,
		now:     time.Now,
		userGen: make(map[int64]int64),
		entries: make(map[int64]localEntry),
	}
}

// Get implements Cache.
func (c *LocalCache) Get(_ context.Context, userID int64, asOf time.Time) (Entry, Stamp, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stamp := Stamp{UserGen: c.userGen[userID], CatalogGen: c.catalogGen, Known: true}
	le, ok := c.entries[userID]
	if !ok || !stamp.matches(le.entry) || !le.entry.Covers(asOf) {
		return Entry{}, stamp, false, nil
	}
	if !le.expires.IsZero() && !c.now().Before(le.expires) {
		return Entry{}, stamp, false, nil
	}
	return le.entry, stamp, true, nil
}

// Put implements Cache.
func (c *LocalCache) Put(_ context.Context, userID int64, stamp Stamp, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp.UserGen != c.userGen[userID] || stamp.CatalogGen != c.catalogGen {
		return nil
	}
	entry.UserGen, entry.CatalogGen = stamp.UserGen, stamp.CatalogGen
	le := localEntry{entry: entry}
	if c.ttl > 0 {
		le.expires = c.now().Add(c.ttl)
	}
	c.entries[userID] = le
	return nil
}

// BumpUser implements GenerationBumper.
func (c *LocalCache) BumpUser(_ context.Context, userID int64) error {
	c.mu.Lock()
	c.userGen[userID]++
	delete(c.entries, userID)
	c.mu.Unlock()
	return nil
}

// BumpCatalog implements GenerationBumper.
func (c *LocalCache) BumpCatalog(context.Context) error {
	c.mu.Lock()
	c.catalogGen++
	c.entries = make(map[int64]localEntry)
	c.mu.Unlock()
	return nil
}

package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix        = "gatehouse:authz:"
	redisCatalogGenKey = redisPrefix + "gen:catalog"
)

// putIfCurrent stores the entry only while both generations still equal the
// ones it was computed under. A missing generation key reads as 0.
var putIfCurrent = redis.NewScript(`
local user = redis.call('GET', KEYS[1]) or '0'
local catalog = redis.call('GET', KEYS[2]) or '0'
if user ~= ARGV[1] or catalog ~= ARGV[2] then
  return 0
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[3], ARGV[3])
end
return 1
`)

// RedisCache stores one permission entry per user in Redis. Entries carry the
// user and catalog generations they were computed under; bumping either
// generation makes every older entry unusable.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisCache instantiates the cache. ttl bounds how long an entry lives
// even when its validity interval is open-ended.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func userGenKey(userID int64) string {
	return redisPrefix + "gen:user:" + strconv.FormatInt(userID, 10)
}

func entryKey(userID int64) string {
	return redisPrefix + "perms:" + strconv.FormatInt(userID, 10)
}

// Get implements Cache. The generations and the entry are read in one MGET.
func (c *RedisCache) Get(ctx context.Context, userID int64, asOf time.Time) (Entry, Stamp, bool, error) {
	vals, err := c.client.MGet(ctx, userGenKey(userID), redisCatalogGenKey, entryKey(userID)).Result()
	if err != nil {
		return Entry{}, Stamp{}, false, fmt.Errorf("authz: redis mget: %w", err)
	}
	userGen, err := parseGeneration(vals[0])
	if err != nil {
		return Entry{}, Stamp{}, false, err
	}
	catalogGen, err := parseGeneration(vals[1])
	if err != nil {
		return Entry{}, Stamp{}, false, err
	}
	stamp := Stamp{UserGen: userGen, CatalogGen: catalogGen, Known: true}
	raw, ok := vals[2].(string)
	if !ok {
		return Entry{}, stamp, false, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, stamp, false, nil
	}
	if !stamp.matches(entry) || !entry.Covers(asOf) {
		return Entry{}, stamp, false, nil
	}
	return entry, stamp, true, nil
}

// Put implements Cache. Like LocalCache.Put it refuses an entry whose stamp
// is older than the stored generations, so a slow resolution that started
// before a bump cannot overwrite the fresher state.
func (c *RedisCache) Put(ctx context.Context, userID int64, stamp Stamp, entry Entry) error {
	if !stamp.Known {
		return nil
	}
	entry.UserGen, entry.CatalogGen = stamp.UserGen, stamp.CatalogGen
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	keys := []string{userGenKey(userID), redisCatalogGenKey, entryKey(userID)}
	args := []any{
		strconv.FormatInt(stamp.UserGen, 10),
		strconv.FormatInt(stamp.CatalogGen, 10),
		string(payload),
		c.ttl.Milliseconds(),
	}
	if err := putIfCurrent.Run(ctx, c.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("authz: redis put: %w", err)
	}
	return nil
}

// BumpUser implements GenerationBumper.
func (c *RedisCache) BumpUser(ctx context.Context, userID int64) error {
	return c.client.Incr(ctx, userGenKey(userID)).Err()
}

// BumpCatalog implements GenerationBumper.
func (c *RedisCache) BumpCatalog(ctx context.Context) error {
	return c.client.Incr(ctx, redisCatalogGenKey).Err()
}

func parseGeneration(v any) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		gen, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("authz: malformed generation %q: %w", val, err)
		}
		return gen, nil
	default:
		return 0, fmt.Errorf("authz: unexpected generation type %T", v)
	}
}

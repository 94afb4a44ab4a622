package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

// Client is the slice of the go-redis surface the cache needs. Tests fake
// it with the go-redis cmd constructors.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Incr(ctx context.Context, key string) *goredis.IntCmd
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

type Metrics struct {
	Hits     int64   `json:"hits"`
	Requests int64   `json:"requests"`
	HitRate  float64 `json:"hit_rate"`
}

// Cache is a best-effort read-through layer. It can only ever cost
// latency: read failures fall through to the fetcher, write and delete
// failures are logged and swallowed, and hit/request metrics live in Redis
// as shared eventually-consistent counters.
type Cache interface {
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (interface{}, error)) (json.RawMessage, error)
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
	InvalidatePattern(ctx context.Context, pattern string) int64
	CurrentMetrics(ctx context.Context) (Metrics, error)
	ResetMetrics(ctx context.Context)
	HealthCheck(ctx context.Context) error
}

const (
	hitsKey        = "metrics:hits"
	requestsKey    = "metrics:requests"
	healthCheckKey = "healthcheck"
)

type redisCache struct {
	rdb    Client
	log    *logger.Logger
	prefix string
}

// New connects to Redis from the environment.
func New(log *logger.Logger) (Cache, error) {
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    envutil.String("REDIS_PASSWORD", ""),
		DB:          envutil.Int("REDIS_DB", 0),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewWithClient(rdb, log), nil
}

// NewWithClient wraps an existing client. Used by tests and by callers
// that share one connection pool.
func NewWithClient(rdb Client, log *logger.Logger) Cache {
	return &redisCache{
		rdb:    rdb,
		log:    log.With("service", "Cache"),
		prefix: envutil.String("CACHE_PREFIX", "gallery"),
	}
}

func (c *redisCache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *redisCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (interface{}, error)) (json.RawMessage, error) {
	if raw, ok := c.Get(ctx, key); ok {
		c.bump(ctx, true)
		return raw, nil
	}
	c.bump(ctx, false)

	val, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal cache value: %w", err)
	}
	c.Set(ctx, key, raw, ttl)
	return raw, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.log.Warn("cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	return raw, true
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	payload := value
	switch value.(type) {
	case []byte, string, json.RawMessage:
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			c.log.Warn("cache value marshal failed", "key", key, "error", err)
			return
		}
		payload = raw
	}
	if raw, ok := payload.(json.RawMessage); ok {
		payload = []byte(raw)
	}
	if err := c.rdb.Set(ctx, c.key(key), payload, ttl).Err(); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *redisCache) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, c.key(k))
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		c.log.Warn("cache delete failed", "keys", strings.Join(keys, ","), "error", err)
	}
}

// InvalidatePattern scans and deletes every key matching the pattern
// (relative to the cache prefix). Returns the number removed; failures
// along the way are logged and the scan simply stops.
func (c *redisCache) InvalidatePattern(ctx context.Context, pattern string) int64 {
	var removed int64
	var cursor uint64
	match := c.key(pattern)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			c.log.Warn("cache scan failed", "pattern", pattern, "error", err)
			return removed
		}
		if len(keys) > 0 {
			deleted, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				c.log.Warn("cache delete failed", "pattern", pattern, "error", err)
				return removed
			}
			removed += deleted
		}
		cursor = next
		if cursor == 0 {
			return removed
		}
	}
}

// bump records one cache request (and hit). Increments are best-effort:
// the counters live in Redis so every instance shares them, and a failed
// increment never touches the read path.
func (c *redisCache) bump(ctx context.Context, hit bool) {
	if err := c.rdb.Incr(ctx, c.key(requestsKey)).Err(); err != nil {
		c.log.Debug("metrics increment failed", "key", requestsKey, "error", err)
	}
	if hit {
		if err := c.rdb.Incr(ctx, c.key(hitsKey)).Err(); err != nil {
			c.log.Debug("metrics increment failed", "key", hitsKey, "error", err)
		}
	}
}

func (c *redisCache) CurrentMetrics(ctx context.Context) (Metrics, error) {
	vals, err := c.rdb.MGet(ctx, c.key(hitsKey), c.key(requestsKey)).Result()
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		Hits:     parseCounter(vals, 0),
		Requests: parseCounter(vals, 1),
	}
	if m.Requests > 0 {
		m.HitRate = float64(m.Hits) / float64(m.Requests)
	}
	return m, nil
}

func (c *redisCache) ResetMetrics(ctx context.Context) {
	if err := c.rdb.Del(ctx, c.key(hitsKey), c.key(requestsKey)).Err(); err != nil {
		c.log.Warn("metrics reset failed", "error", err)
	}
}

// HealthCheck round-trips a value through Redis under a fixed key.
func (c *redisCache) HealthCheck(ctx context.Context) error {
	token := uuid.NewString()
	key := c.key(healthCheckKey)
	if err := c.rdb.Set(ctx, key, token, 30*time.Second).Err(); err != nil {
		return fmt.Errorf("healthcheck set: %w", err)
	}
	got, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("healthcheck get: %w", err)
	}
	if got != token {
		return fmt.Errorf("healthcheck round-trip mismatch")
	}
	return nil
}

func parseCounter(vals []interface{}, idx int) int64 {
	if idx >= len(vals) || vals[idx] == nil {
		return 0
	}
	s, ok := vals[idx].(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

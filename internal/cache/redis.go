package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/suggest"
)

const (
	redisTier = "redis"

	entryKeyPrefix = "suggest:"
	lockKeyPrefix  = "suggest-lock:"

	// Per-operation Redis timeout — the suggest hot path must not stall on
	// a slow cache.
	redisQueryTimeout = 500 * time.Millisecond

	pollWaitMin = 10 * time.Millisecond
	pollWaitMax = 200 * time.Millisecond
)

// releaseScript deletes the lock only if this holder still owns it, so a
// slow holder cannot release a lock a successor already acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// redisEntry is the serialized cache value at suggest:<hex>.
type redisEntry struct {
	Suggestions []suggest.Suggestion `json:"suggestions"`
}

// RedisConfig tunes the shared cache. Zero values take the defaults.
type RedisConfig struct {
	// DefaultTTL applies when the child's response carries no TTL.
	// Default: 5m.
	DefaultTTL time.Duration
	// LockTimeout bounds both the lock key's TTL and how long a waiter
	// polls before bypassing the cache. Default: 10s.
	LockTimeout time.Duration
}

func (c *RedisConfig) withDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
}

// Redis is the shared cache combinator. Entries live in a Redis instance all
// replicas share, so one replica's fill serves the whole fleet.
//
// Every operation degrades gracefully: read errors become cache misses and
// write errors are logged without affecting the user-facing response.
type Redis struct {
	child   suggest.Provider
	name    string
	rdb     *redis.Client
	cfg     RedisConfig
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewRedis wraps child in a Redis cache. The caller owns the client
// lifecycle (creation and Close).
func NewRedis(name string, child suggest.Provider, rdb *redis.Client, cfg RedisConfig, log *slog.Logger, m *metrics.Registry) *Redis {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Redis{child: child, name: name, rdb: rdb, cfg: cfg, log: log, metrics: m}
}

func (c *Redis) Name() string     { return c.name }
func (c *Redis) IsComplete() bool { return c.child.IsComplete() }

func (c *Redis) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	start := time.Now()
	hash := suggest.CacheKey(c.child, req)

	resp, err := c.suggestInner(ctx, hash, req)
	if c.metrics != nil {
		status := string(suggest.StatusError)
		if err == nil {
			status = string(resp.CacheStatus)
		}
		c.metrics.ObserveCache(redisTier, status, time.Since(start))
	}
	return resp, err
}

func (c *Redis) suggestInner(ctx context.Context, hash string, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	entryKey := entryKeyPrefix + hash

	resp, readFailed := c.read(ctx, entryKey)
	if resp != nil {
		if c.metrics != nil {
			c.metrics.CacheHit(redisTier)
		}
		return resp, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMiss(redisTier)
	}

	// Cache infrastructure failure: skip the lock protocol entirely and
	// serve from the child; the response is marked error so HTTP caching
	// headers stay conservative.
	if readFailed {
		if c.metrics != nil {
			c.metrics.CacheError(redisTier)
		}
		child, err := c.child.Suggest(ctx, req)
		if err != nil {
			return nil, err
		}
		return &suggest.Response{
			Suggestions: child.Suggestions,
			CacheStatus: suggest.StatusError,
			TTL:         child.TTL,
		}, nil
	}

	return c.fill(ctx, hash, req)
}

// read fetches and decodes the entry. Returns (nil, true) when Redis itself
// failed — the caller degrades to miss semantics.
func (c *Redis) read(ctx context.Context, entryKey string) (*suggest.Response, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	raw, err := c.rdb.Get(opCtx, entryKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false
		}
		c.log.Warn("cache.redis.read-error",
			slog.String("cache", c.name),
			slog.String("error", err.Error()),
		)
		return nil, true
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is indistinguishable from a miss; the fill
		// path overwrites it.
		c.log.Warn("cache.redis.decode-error",
			slog.String("cache", c.name),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &suggest.Response{
		Suggestions: entry.Suggestions,
		CacheStatus: suggest.StatusHit,
	}, nil
}

// fill runs the distributed single-flight protocol: acquire the per-key lock
// and compute, or poll for the holder's published value, or — past
// LockTimeout — bypass the cache entirely.
func (c *Redis) fill(ctx context.Context, hash string, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	entryKey := entryKeyPrefix + hash
	lockKey := lockKeyPrefix + hash
	token := uuid.New().String()

	deadline := time.Now().Add(c.cfg.LockTimeout)
	wait := pollWaitMin

	for {
		if c.acquireLock(ctx, lockKey, token) {
			if c.metrics != nil {
				c.metrics.RecordSingleflight(redisTier, "lead")
			}
			return c.computeAndPublish(ctx, entryKey, lockKey, token, req)
		}

		// Someone else is computing this key; wait for them to publish.
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		if wait *= 2; wait > pollWaitMax {
			wait = pollWaitMax
		}

		if resp, failed := c.read(ctx, entryKey); resp != nil && !failed {
			if c.metrics != nil {
				c.metrics.RecordSingleflight(redisTier, "wait")
			}
			return resp, nil
		}

		if time.Now().After(deadline) {
			// Degraded mode: the holder is too slow (or its lock was
			// abandoned); query upstream directly.
			if c.metrics != nil {
				c.metrics.RecordSingleflight(redisTier, "bypass")
			}
			child, err := c.child.Suggest(ctx, req)
			if err != nil {
				return nil, err
			}
			return c.asMiss(child), nil
		}
	}
}

func (c *Redis) computeAndPublish(ctx context.Context, entryKey, lockKey, token string, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	defer c.releaseLock(lockKey, token)

	child, err := c.child.Suggest(ctx, req)
	if err != nil {
		return nil, err
	}

	ttl := child.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	raw, err := json.Marshal(redisEntry{Suggestions: child.Suggestions})
	if err != nil {
		return nil, suggest.InternalError(c.name, fmt.Errorf("encode cache entry: %w", err))
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisQueryTimeout)
	defer cancel()
	if err := c.rdb.Set(opCtx, entryKey, raw, ttl).Err(); err != nil {
		if c.metrics != nil {
			c.metrics.RecordCacheSaveError(redisTier)
		}
		c.log.Warn("cache.redis.save-error",
			slog.String("cache", c.name),
			slog.String("error", err.Error()),
		)
	}

	return c.asMiss(child), nil
}

func (c *Redis) asMiss(resp *suggest.Response) *suggest.Response {
	return &suggest.Response{
		Suggestions: resp.Suggestions,
		CacheStatus: suggest.StatusMiss,
		TTL:         resp.TTL,
	}
}

// acquireLock takes the single-flight lock with SET NX PX. The lock's TTL
// equals LockTimeout so a crashed holder's lock expires right as waiters
// stop waiting for it.
func (c *Redis) acquireLock(ctx context.Context, lockKey, token string) bool {
	opCtx, cancel := context.WithTimeout(ctx, redisQueryTimeout)
	defer cancel()

	ok, err := c.rdb.SetNX(opCtx, lockKey, token, c.cfg.LockTimeout).Result()
	if err != nil {
		// Treat a failed lock acquisition as "not acquired"; the
		// deadline path still guarantees progress.
		c.log.Warn("cache.redis.lock-error",
			slog.String("cache", c.name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// releaseLock deletes the lock if this holder still owns it. Runs detached
// from the request context — a cancelled request must still release.
func (c *Redis) releaseLock(lockKey, token string) {
	opCtx, cancel := context.WithTimeout(context.Background(), redisQueryTimeout)
	defer cancel()

	if err := releaseScript.Run(opCtx, c.rdb, []string{lockKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("cache.redis.unlock-error",
			slog.String("cache", c.name),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Redis) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	c.child.CacheInputs(req, w)
}

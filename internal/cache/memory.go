// Package cache provides the two cache combinators of the suggestion
// pipeline:
//
//   - Memory — in-process, deduplicated, zero external dependencies.
//   - Redis  — shared across replicas, recommended in front of Memory for
//     production clusters: Redis(Memory(RemoteSettings(...))).
//
// Both wrap a child provider and implement suggest.Provider themselves, so
// they compose anywhere in the tree. Both apply single-flight discipline on
// a miss: at most one upstream fetch per key is in flight at any instant.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/suggest"
)

const memoryTier = "memory"

// MemoryConfig tunes the in-process cache. Zero values take the defaults.
type MemoryConfig struct {
	// DefaultTTL applies when the child's response carries no TTL.
	// Default: 5m.
	DefaultTTL time.Duration
	// LockTimeout bounds how long a request waits on another request
	// computing the same key before bypassing the cache. Default: 10s.
	LockTimeout time.Duration
	// CleanupInterval is the background sweep period. Default: 1m.
	CleanupInterval time.Duration
	// MaxRemovedEntries caps evictions per sweep to bound pause time.
	// Default: 1000.
	MaxRemovedEntries int
}

func (c *MemoryConfig) withDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxRemovedEntries <= 0 {
		c.MaxRemovedEntries = 1000
	}
}

// memEntry is one immutable published value. Expiry is absolute wall time;
// a re-store of the same payload extends it rather than duplicating storage.
type memEntry struct {
	suggestions []suggest.Suggestion
	expiresAt   time.Time
}

// Memory is the process-local deduplicated cache combinator.
//
// It keeps a two-level map: pointers (request fingerprint → storage key) and
// storage (payload hash → shared entry). Many fingerprints producing the same
// small answer set collapse onto one storage entry, which materially reduces
// memory under the typical address-bar workload.
type Memory struct {
	child   suggest.Provider
	name    string
	cfg     MemoryConfig
	log     *slog.Logger
	metrics *metrics.Registry

	mu       sync.RWMutex
	pointers map[string]string
	storage  map[string]*memEntry

	sf singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemory wraps child in a Memory cache and starts the background sweep.
// The sweep stops when ctx is cancelled or Stop is called.
func NewMemory(ctx context.Context, name string, child suggest.Provider, cfg MemoryConfig, log *slog.Logger, m *metrics.Registry) *Memory {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	c := &Memory{
		child:    child,
		name:     name,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		pointers: make(map[string]string),
		storage:  make(map[string]*memEntry),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop(ctx)

	return c
}

// Stop terminates the background sweep.
func (c *Memory) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Memory) Name() string     { return c.name }
func (c *Memory) IsComplete() bool { return c.child.IsComplete() }

func (c *Memory) Suggest(ctx context.Context, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	start := time.Now()
	key := suggest.CacheKey(c.child, req)

	if resp := c.lookup(key); resp != nil {
		if c.metrics != nil {
			c.metrics.CacheHit(memoryTier)
			c.metrics.ObserveCache(memoryTier, string(suggest.StatusHit), time.Since(start))
		}
		return resp, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMiss(memoryTier)
	}

	resp, err := c.fill(ctx, key, req)
	status := suggest.StatusError
	if err == nil {
		status = resp.CacheStatus
	}
	if c.metrics != nil {
		c.metrics.ObserveCache(memoryTier, string(status), time.Since(start))
	}
	return resp, err
}

// fill computes the value for key under single-flight discipline. Concurrent
// requests for the same key wait on the leader's result up to LockTimeout,
// then bypass the cache and query the child directly (degraded mode).
func (c *Memory) fill(ctx context.Context, key string, req *suggest.SuggestionRequest) (*suggest.Response, error) {
	// led records whether this caller's closure was the one singleflight
	// ran — the leader holds the "lock" and must not bypass itself.
	var led atomic.Bool
	ch := c.sf.DoChan(key, func() (any, error) {
		led.Store(true)
		resp, err := c.child.Suggest(ctx, req)
		if err != nil {
			return nil, err
		}
		c.store(key, resp)
		return resp, nil
	})

	timer := time.NewTimer(c.cfg.LockTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-ch:
			return c.settle(ctx, key, req, r)

		case <-timer.C:
			if led.Load() {
				// We are the holder; keep waiting for our own
				// computation.
				continue
			}
			// The leader is slow; don't pile up behind it.
			if c.metrics != nil {
				c.metrics.RecordSingleflight(memoryTier, "bypass")
			}
			resp, err := c.child.Suggest(ctx, req)
			if err != nil {
				return nil, err
			}
			return c.asMiss(resp), nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// settle interprets a singleflight result for one caller.
func (c *Memory) settle(ctx context.Context, key string, req *suggest.SuggestionRequest, r singleflight.Result) (*suggest.Response, error) {
	if r.Err != nil {
		// A leader cancelled mid-flight abandons the flight; this
		// caller takes over rather than failing on someone else's
		// deadline.
		if errors.Is(r.Err, context.Canceled) && ctx.Err() == nil {
			c.sf.Forget(key)
			if c.metrics != nil {
				c.metrics.RecordSingleflight(memoryTier, "takeover")
			}
			resp, err := c.child.Suggest(ctx, req)
			if err != nil {
				return nil, err
			}
			c.store(key, resp)
			return c.asMiss(resp), nil
		}
		return nil, r.Err
	}

	if c.metrics != nil {
		if r.Shared {
			c.metrics.RecordSingleflight(memoryTier, "wait")
		} else {
			c.metrics.RecordSingleflight(memoryTier, "lead")
		}
	}
	return c.asMiss(r.Val.(*suggest.Response)), nil
}

// asMiss shallow-copies resp with miss status, leaving the child's response
// untouched for other waiters.
func (c *Memory) asMiss(resp *suggest.Response) *suggest.Response {
	return &suggest.Response{
		Suggestions: resp.Suggestions,
		CacheStatus: suggest.StatusMiss,
		TTL:         resp.TTL,
	}
}

// lookup returns a hit response, or nil on miss. Expired entries are removed
// lazily here.
func (c *Memory) lookup(key string) *suggest.Response {
	c.mu.RLock()
	storageKey, ok := c.pointers[key]
	var e *memEntry
	if ok {
		e = c.storage[storageKey]
	}
	c.mu.RUnlock()

	if !ok {
		return nil
	}

	if e == nil || time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock — another request may have
		// repointed or refreshed the entry meanwhile.
		if sk, still := c.pointers[key]; still && sk == storageKey {
			cur := c.storage[sk]
			if cur == nil || time.Now().After(cur.expiresAt) {
				delete(c.pointers, key)
				delete(c.storage, sk)
			}
		}
		c.publishLens()
		c.mu.Unlock()
		return nil
	}

	return &suggest.Response{
		Suggestions: e.suggestions,
		CacheStatus: suggest.StatusHit,
		TTL:         time.Until(e.expiresAt),
	}
}

// store publishes resp under key. Identical suggestion payloads share one
// storage entry regardless of fingerprint.
func (c *Memory) store(key string, resp *suggest.Response) {
	ttl := resp.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	expiresAt := time.Now().Add(ttl)
	storageKey := payloadKey(resp.Suggestions)

	c.mu.Lock()
	if e, ok := c.storage[storageKey]; ok {
		if expiresAt.After(e.expiresAt) {
			e.expiresAt = expiresAt
		}
	} else {
		c.storage[storageKey] = &memEntry{
			suggestions: resp.Suggestions,
			expiresAt:   expiresAt,
		}
	}
	c.pointers[key] = storageKey
	c.publishLens()
	c.mu.Unlock()
}

// payloadKey hashes a suggestion list into its storage key.
func payloadKey(suggestions []suggest.Suggestion) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i := range suggestions {
		// Encode errors are impossible for these plain value types.
		_ = enc.Encode(&suggestions[i])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// publishLens refreshes the pointers/storage gauges. Callers hold c.mu.
func (c *Memory) publishLens() {
	if c.metrics != nil {
		c.metrics.SetMemoryCacheLens(len(c.pointers), len(c.storage))
	}
}

func (c *Memory) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// sweep evicts expired storage entries — at most MaxRemovedEntries per pass
// to cap pause time — then drops pointers whose storage is gone.
func (c *Memory) sweep() {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	for sk, e := range c.storage {
		if removed >= c.cfg.MaxRemovedEntries {
			break
		}
		if now.After(e.expiresAt) {
			delete(c.storage, sk)
			removed++
		}
	}
	dangling := 0
	for pk, sk := range c.pointers {
		if _, ok := c.storage[sk]; !ok {
			delete(c.pointers, pk)
			dangling++
		}
	}
	c.publishLens()
	c.mu.Unlock()

	if removed > 0 || dangling > 0 {
		c.log.Debug("memory cache sweep",
			slog.String("cache", c.name),
			slog.Int("removed", removed),
			slog.Int("dangling_pointers", dangling),
		)
	}
}

func (c *Memory) CacheInputs(req *suggest.SuggestionRequest, w io.Writer) {
	c.child.CacheInputs(req, w)
}

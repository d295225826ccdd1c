package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/merino/internal/suggest"
)

// newTestRedis starts a miniredis server and returns a Redis cache over the
// given child plus the backing server for clock/key manipulation.
func newTestRedis(t *testing.T, child suggest.Provider, cfg RedisConfig) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	opts, err := redis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedis("redis_cache", child, rdb, cfg, nil, nil), mr
}

// TestRedisMissThenHit verifies the published entry serves the second
// request as a hit.
func TestRedisMissThenHit(t *testing.T) {
	child := &countingChild{suggestions: payload("apple")}
	c, _ := newTestRedis(t, child, RedisConfig{})

	req := &suggest.SuggestionRequest{Query: "apple"}

	first, err := c.Suggest(context.Background(), req)
	if err != nil {
		t.Fatalf("first Suggest: %v", err)
	}
	if first.CacheStatus != suggest.StatusMiss {
		t.Fatalf("first status = %s, want miss", first.CacheStatus)
	}

	second, err := c.Suggest(context.Background(), req)
	if err != nil {
		t.Fatalf("second Suggest: %v", err)
	}
	if second.CacheStatus != suggest.StatusHit {
		t.Fatalf("second status = %s, want hit", second.CacheStatus)
	}
	if second.Suggestions[0].Title != "apple" {
		t.Fatalf("wrong cached payload %+v", second.Suggestions)
	}
	if child.calls.Load() != 1 {
		t.Fatalf("child called %d times, want 1", child.calls.Load())
	}
}

// TestRedisKeyLayout verifies the persisted key format: suggest:<hex-hash>,
// with the lock gone after the fill completes.
func TestRedisKeyLayout(t *testing.T) {
	child := &countingChild{suggestions: payload("apple")}
	c, mr := newTestRedis(t, child, RedisConfig{})

	if _, err := c.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "apple"}); err != nil {
		t.Fatalf("Suggest: %v", err)
	}

	keys := mr.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v, want exactly one entry key", keys)
	}
	if !strings.HasPrefix(keys[0], "suggest:") {
		t.Fatalf("entry key %q lacks the suggest: prefix", keys[0])
	}
	if strings.HasPrefix(keys[0], "suggest-lock:") {
		t.Fatal("lock key leaked past the fill")
	}
}

// TestRedisTTL verifies entries expire after their TTL.
func TestRedisTTL(t *testing.T) {
	child := &countingChild{suggestions: payload("apple"), ttl: 10 * time.Second}
	c, mr := newTestRedis(t, child, RedisConfig{})

	req := &suggest.SuggestionRequest{Query: "apple"}
	if _, err := c.Suggest(context.Background(), req); err != nil {
		t.Fatalf("Suggest: %v", err)
	}

	mr.FastForward(11 * time.Second)

	resp, err := c.Suggest(context.Background(), req)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if resp.CacheStatus != suggest.StatusMiss {
		t.Fatalf("status after TTL = %s, want miss", resp.CacheStatus)
	}
	if child.calls.Load() != 2 {
		t.Fatalf("child called %d times, want 2", child.calls.Load())
	}
}

// TestRedisWaiterObservesPublishedValue verifies the single-flight protocol:
// a request arriving while another holds the lock waits and returns the
// holder's published entry without touching the child.
func TestRedisWaiterObservesPublishedValue(t *testing.T) {
	leaderChild := &countingChild{suggestions: payload("slow"), delay: 100 * time.Millisecond}
	waiterChild := &countingChild{suggestions: payload("wrong")}

	leader, mr := newTestRedis(t, leaderChild, RedisConfig{})

	// The waiter shares the same Redis but has its own (distinguishable)
	// child, so serving from the child instead of the cache is detectable.
	opts, err := redis.ParseURL("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	waiter := NewRedis("redis_cache", waiterChild, rdb, RedisConfig{}, nil, nil)

	req := &suggest.SuggestionRequest{Query: "apple"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := leader.Suggest(context.Background(), req); err != nil {
			t.Errorf("leader: %v", err)
		}
	}()

	// Let the leader take the lock before the waiter arrives.
	time.Sleep(20 * time.Millisecond)

	resp, err := waiter.Suggest(context.Background(), req)
	wg.Wait()
	if err != nil {
		t.Fatalf("waiter: %v", err)
	}

	if resp.Suggestions[0].Title != "slow" {
		t.Fatalf("waiter served %q, want the leader's published value", resp.Suggestions[0].Title)
	}
	if waiterChild.calls.Load() != 0 {
		t.Fatalf("waiter hit its child %d times, want 0", waiterChild.calls.Load())
	}
}

// TestRedisLockTimeoutBypasses verifies a waiter gives up on an abandoned
// lock and queries upstream directly.
func TestRedisLockTimeoutBypasses(t *testing.T) {
	child := &countingChild{suggestions: payload("direct")}
	c, mr := newTestRedis(t, child, RedisConfig{LockTimeout: 100 * time.Millisecond})

	// Plant a foreign lock that nobody will ever release.
	hash := suggest.CacheKey(child, &suggest.SuggestionRequest{Query: "apple"})
	if err := mr.Set("suggest-lock:"+hash, "stuck-holder"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	start := time.Now()
	resp, err := c.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "apple"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}

	if resp.Suggestions[0].Title != "direct" {
		t.Fatalf("bypass served %+v", resp.Suggestions)
	}
	if child.calls.Load() != 1 {
		t.Fatalf("child called %d times, want 1", child.calls.Load())
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("bypassed after %v, before the lock timeout", elapsed)
	}
}

// TestRedisReadFailureDegradesToChild verifies a dead Redis downgrades reads
// to cache-miss semantics instead of failing the request.
func TestRedisReadFailureDegradesToChild(t *testing.T) {
	child := &countingChild{suggestions: payload("resilient")}
	c, mr := newTestRedis(t, child, RedisConfig{})

	mr.Close()

	resp, err := c.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "apple"})
	if err != nil {
		t.Fatalf("Suggest must survive a dead cache, got: %v", err)
	}
	if resp.Suggestions[0].Title != "resilient" {
		t.Fatalf("unexpected payload %+v", resp.Suggestions)
	}
	if resp.CacheStatus != suggest.StatusError {
		t.Fatalf("status = %s, want error", resp.CacheStatus)
	}
}

// TestRedisCorruptEntryTreatedAsMiss verifies garbage in the entry key is
// overwritten by a fresh fill instead of failing the request.
func TestRedisCorruptEntryTreatedAsMiss(t *testing.T) {
	child := &countingChild{suggestions: payload("fresh")}
	c, mr := newTestRedis(t, child, RedisConfig{})

	hash := suggest.CacheKey(child, &suggest.SuggestionRequest{Query: "apple"})
	if err := mr.Set("suggest:"+hash, "{not json"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	resp, err := c.Suggest(context.Background(), &suggest.SuggestionRequest{Query: "apple"})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if resp.CacheStatus != suggest.StatusMiss {
		t.Fatalf("status = %s, want miss", resp.CacheStatus)
	}
	if resp.Suggestions[0].Title != "fresh" {
		t.Fatalf("unexpected payload %+v", resp.Suggestions)
	}
}

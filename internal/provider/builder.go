package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/merino/internal/cache"
	"github.com/mozilla-services/merino/internal/metrics"
	"github.com/mozilla-services/merino/internal/provider/remotesettings"
	"github.com/mozilla-services/merino/internal/suggest"
)

// Node is one element of the declarative provider-tree configuration.
// Type selects the kind; the remaining fields are kind-specific and ignored
// by other kinds.
type Node struct {
	Type string `yaml:"type"`

	// Combinator children.
	Child    *Node   `yaml:"child,omitempty"`
	Children []*Node `yaml:"children,omitempty"`

	// timeout
	MaxTimeMS int `yaml:"max_time_ms,omitempty"`

	// keyword_filter
	Rules []RuleNode `yaml:"rules,omitempty"`

	// fixed
	Value string `yaml:"value,omitempty"`

	// remote_settings — empty fields inherit the service-level defaults.
	Server            string `yaml:"server,omitempty"`
	Bucket            string `yaml:"bucket,omitempty"`
	Collection        string `yaml:"collection,omitempty"`
	ResyncIntervalSec int    `yaml:"resync_interval_sec,omitempty"`
	MinQueryLen       int    `yaml:"min_query_len,omitempty"`
	EnglishOnly       bool   `yaml:"english_only,omitempty"`

	// memory_cache / redis_cache
	DefaultTTLSec         int `yaml:"default_ttl_sec,omitempty"`
	DefaultLockTimeoutSec int `yaml:"default_lock_timeout_sec,omitempty"`
	CleanupIntervalSec    int `yaml:"cleanup_interval_sec,omitempty"`
	MaxRemovedEntries     int `yaml:"max_removed_entries,omitempty"`
}

// RuleNode is one keyword-filter blocklist entry.
type RuleNode struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
}

// RootNode is one entry of the root forest: a client-visible provider id, its
// availability, and its tree.
type RootNode struct {
	ID           string `yaml:"id"`
	Availability string `yaml:"availability,omitempty"`
	Node         `yaml:",inline"`
}

// TreeConfig is the whole provider-tree document. Roots keep their declared
// order; that order is the response order on multi-provider requests.
type TreeConfig struct {
	Providers []RootNode `yaml:"providers"`
}

// Deps carries the shared resources nodes may need. Redis may be nil when no
// redis_cache node is configured; a redis_cache node with a nil client is a
// setup error.
type Deps struct {
	Log     *slog.Logger
	Metrics *metrics.Registry
	Redis   *redis.Client

	// RemoteSettings supplies defaults for remote_settings nodes that do
	// not override the upstream location.
	RemoteSettings remotesettings.ClientConfig

	// ResyncInterval is the default background re-fetch period for
	// remote_settings nodes without their own resync_interval_sec.
	ResyncInterval time.Duration
}

// Builder materializes provider trees from configuration. It tracks the
// long-lived resources it creates (sync loops, sweep goroutines) so Close can
// tear them down; building the same config twice yields equivalent trees.
type Builder struct {
	deps Deps

	rsProviders []*remotesettings.Provider
	memCaches   []*cache.Memory
}

func NewBuilder(deps Deps) *Builder {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Builder{deps: deps}
}

// BuildAll materializes the whole forest. On any node failure it returns a
// setup error naming the failing node path and tears down everything built
// so far.
func (b *Builder) BuildAll(ctx context.Context, cfg *TreeConfig) (*Forest, error) {
	forest := &Forest{Roots: make(map[string]Root, len(cfg.Providers))}

	for _, rn := range cfg.Providers {
		if rn.ID == "" {
			return nil, suggest.SetupError("providers", fmt.Errorf("root with empty id"))
		}
		if _, dup := forest.Roots[rn.ID]; dup {
			return nil, suggest.SetupError(rn.ID, fmt.Errorf("duplicate provider id"))
		}

		availability, err := parseAvailability(rn.Availability)
		if err != nil {
			return nil, suggest.SetupError(rn.ID, err)
		}

		p, err := b.Build(ctx, rn.ID, &rn.Node)
		if err != nil {
			b.Close()
			return nil, err
		}

		forest.Roots[rn.ID] = Root{Provider: p, Availability: availability}
		forest.Order = append(forest.Order, rn.ID)
	}

	return forest, nil
}

// Build materializes one node (children first). path names the node in setup
// errors, e.g. "adm.child.children[2]".
func (b *Builder) Build(ctx context.Context, path string, n *Node) (suggest.Provider, error) {
	switch n.Type {
	case "multiplexer":
		children := make([]suggest.Provider, 0, len(n.Children))
		for i, cn := range n.Children {
			child, err := b.Build(ctx, fmt.Sprintf("%s.children[%d]", path, i), cn)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return NewMultiplexer(path, children, b.deps.Log, b.deps.Metrics), nil

	case "timeout":
		if n.MaxTimeMS <= 0 {
			return nil, suggest.SetupError(path, fmt.Errorf("timeout requires max_time_ms > 0"))
		}
		child, err := b.buildChild(ctx, path, n)
		if err != nil {
			return nil, err
		}
		return NewTimeout(path, child, time.Duration(n.MaxTimeMS)*time.Millisecond, b.deps.Log), nil

	case "keyword_filter":
		ids := make([]string, 0, len(n.Rules))
		patterns := make(map[string]string, len(n.Rules))
		for _, r := range n.Rules {
			ids = append(ids, r.ID)
			patterns[r.ID] = r.Pattern
		}
		rules, err := CompileFilterRules(ids, patterns)
		if err != nil {
			return nil, suggest.SetupError(path, err)
		}
		child, err := b.buildChild(ctx, path, n)
		if err != nil {
			return nil, err
		}
		return NewKeywordFilter(path, child, rules, b.deps.Metrics), nil

	case "stealth":
		child, err := b.buildChild(ctx, path, n)
		if err != nil {
			return nil, err
		}
		return NewStealth(path, child, b.deps.Log), nil

	case "memory_cache":
		child, err := b.buildChild(ctx, path, n)
		if err != nil {
			return nil, err
		}
		mc := cache.NewMemory(ctx, path, child, cache.MemoryConfig{
			DefaultTTL:        time.Duration(n.DefaultTTLSec) * time.Second,
			LockTimeout:       time.Duration(n.DefaultLockTimeoutSec) * time.Second,
			CleanupInterval:   time.Duration(n.CleanupIntervalSec) * time.Second,
			MaxRemovedEntries: n.MaxRemovedEntries,
		}, b.deps.Log, b.deps.Metrics)
		b.memCaches = append(b.memCaches, mc)
		return mc, nil

	case "redis_cache":
		if b.deps.Redis == nil {
			return nil, suggest.SetupError(path, fmt.Errorf("redis_cache requires a configured REDIS_URL"))
		}
		child, err := b.buildChild(ctx, path, n)
		if err != nil {
			return nil, err
		}
		return cache.NewRedis(path, child, b.deps.Redis, cache.RedisConfig{
			DefaultTTL:  time.Duration(n.DefaultTTLSec) * time.Second,
			LockTimeout: time.Duration(n.DefaultLockTimeoutSec) * time.Second,
		}, b.deps.Log, b.deps.Metrics), nil

	case "remote_settings":
		clientCfg := b.deps.RemoteSettings
		if n.Server != "" {
			clientCfg.Server = n.Server
		}
		if n.Bucket != "" {
			clientCfg.Bucket = n.Bucket
		}
		if n.Collection != "" {
			clientCfg.Collection = n.Collection
		}
		if clientCfg.Server == "" || clientCfg.Bucket == "" || clientCfg.Collection == "" {
			return nil, suggest.SetupError(path, fmt.Errorf("remote_settings requires server, bucket, and collection"))
		}

		resync := time.Duration(n.ResyncIntervalSec) * time.Second
		if resync <= 0 {
			resync = b.deps.ResyncInterval
		}
		rs := remotesettings.New(remotesettings.Config{
			MinQueryLen:    n.MinQueryLen,
			EnglishOnly:    n.EnglishOnly,
			ResyncInterval: resync,
		}, remotesettings.NewClient(clientCfg), b.deps.Log, b.deps.Metrics)

		// A failed initial sync is not fatal — the resync loop heals a
		// transiently-unreachable upstream; until then the leaf serves
		// empty responses.
		if err := rs.Start(ctx); err != nil {
			b.deps.Log.Warn("initial suggestion sync failed",
				slog.String("node", path),
				slog.String("error", err.Error()),
			)
		}
		b.rsProviders = append(b.rsProviders, rs)
		return rs, nil

	case "wiki_fruit":
		return NewWikiFruit(), nil

	case "fixed":
		if n.Value == "" {
			return nil, suggest.SetupError(path, fmt.Errorf("fixed requires a value"))
		}
		return NewFixed(path, n.Value), nil

	case "debug":
		return NewDebug(path), nil

	case "null":
		return NewNull(path), nil

	case "":
		return nil, suggest.SetupError(path, fmt.Errorf("node has no type"))

	default:
		return nil, suggest.SetupError(path, fmt.Errorf("unknown provider type %q", n.Type))
	}
}

// buildChild builds a combinator's single child.
func (b *Builder) buildChild(ctx context.Context, path string, n *Node) (suggest.Provider, error) {
	if n.Child == nil {
		return nil, suggest.SetupError(path, fmt.Errorf("%s requires a child", n.Type))
	}
	return b.Build(ctx, path+".child", n.Child)
}

// Close stops every long-lived resource created by this builder: Remote
// Settings sync loops and memory-cache sweeps.
func (b *Builder) Close() {
	for _, rs := range b.rsProviders {
		rs.Stop()
	}
	b.rsProviders = nil
	for _, mc := range b.memCaches {
		mc.Stop()
	}
	b.memCaches = nil
}

func parseAvailability(s string) (Availability, error) {
	switch Availability(s) {
	case EnabledByDefault, DisabledByDefault, Hidden:
		return Availability(s), nil
	case "":
		return EnabledByDefault, nil
	default:
		return "", fmt.Errorf("unknown availability %q", s)
	}
}

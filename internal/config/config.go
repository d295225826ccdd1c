// Package config loads and validates all runtime configuration for the
// suggestion service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The provider tree is configured separately in a YAML document named by
// PROVIDERS_FILE (default providers.yaml); when that file is absent a
// built-in default tree is used.
//
// Redis is optional — it is only required when the provider tree contains a
// redis_cache node.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"github.com/mozilla-services/merino/internal/provider"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// RedisURL is a redis:// or rediss:// URL for the shared cache.
	// Required only when the provider tree contains a redis_cache node.
	RedisURL string

	// ProvidersFile names the provider-tree YAML document.
	ProvidersFile string

	// SupportedLocales is the list Accept-Language is negotiated against.
	// The first entry is the fallback when negotiation fails.
	SupportedLocales []string

	// ServerVariants is echoed in every suggest response.
	ServerVariants []string

	// GeoIPDB is an optional path to a MaxMind City mmdb file. Empty
	// disables geolocation.
	GeoIPDB string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// RemoteSettings supplies defaults for remote_settings tree nodes.
	RemoteSettings RemoteSettingsConfig

	// Cache holds the cache tunables of the built-in default tree (see
	// DefaultTree). Cache nodes declared in a providers file do not read
	// these values; fields they leave unset take the cache package defaults.
	Cache CacheConfig
}

// RemoteSettingsConfig locates the upstream suggestion collection.
type RemoteSettingsConfig struct {
	Server         string
	Bucket         string
	Collection     string
	ResyncInterval time.Duration
}

// CacheConfig holds the service-level cache tunables.
type CacheConfig struct {
	DefaultTTL        time.Duration
	LockTimeout       time.Duration
	CleanupInterval   time.Duration
	MaxRemovedEntries int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDERS_FILE", "providers.yaml")
	v.SetDefault("SUPPORTED_LOCALES", []string{"en-US", "en-GB", "en-CA", "de", "fr", "es", "it", "pl"})
	v.SetDefault("SERVER_VARIANTS", []string{})
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Remote Settings defaults.
	v.SetDefault("RS_SERVER", "https://firefox.settings.services.mozilla.com/v1")
	v.SetDefault("RS_BUCKET", "main")
	v.SetDefault("RS_COLLECTION", "quicksuggest")
	v.SetDefault("RS_RESYNC_INTERVAL", "3h")

	// Cache defaults.
	v.SetDefault("CACHE_DEFAULT_TTL", "5m")
	v.SetDefault("CACHE_LOCK_TIMEOUT", "10s")
	v.SetDefault("CACHE_CLEANUP_INTERVAL", "1m")
	v.SetDefault("CACHE_MAX_REMOVED_ENTRIES", 1000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		RedisURL:      v.GetString("REDIS_URL"),
		ProvidersFile: v.GetString("PROVIDERS_FILE"),

		SupportedLocales: v.GetStringSlice("SUPPORTED_LOCALES"),
		ServerVariants:   v.GetStringSlice("SERVER_VARIANTS"),
		GeoIPDB:          v.GetString("GEOIP_DB"),
		CORSOrigins:      v.GetStringSlice("CORS_ORIGINS"),

		RemoteSettings: RemoteSettingsConfig{
			Server:         v.GetString("RS_SERVER"),
			Bucket:         v.GetString("RS_BUCKET"),
			Collection:     v.GetString("RS_COLLECTION"),
			ResyncInterval: v.GetDuration("RS_RESYNC_INTERVAL"),
		},

		Cache: CacheConfig{
			DefaultTTL:        v.GetDuration("CACHE_DEFAULT_TTL"),
			LockTimeout:       v.GetDuration("CACHE_LOCK_TIMEOUT"),
			CleanupInterval:   v.GetDuration("CACHE_CLEANUP_INTERVAL"),
			MaxRemovedEntries: v.GetInt("CACHE_MAX_REMOVED_ENTRIES"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if len(c.SupportedLocales) == 0 {
		return fmt.Errorf("config: SUPPORTED_LOCALES must not be empty")
	}

	if c.RemoteSettings.Server == "" {
		return fmt.Errorf("config: RS_SERVER must not be empty")
	}
	if c.RemoteSettings.ResyncInterval <= 0 {
		return fmt.Errorf("config: RS_RESYNC_INTERVAL must be a positive duration")
	}

	if c.Cache.LockTimeout <= 0 {
		return fmt.Errorf("config: CACHE_LOCK_TIMEOUT must be a positive duration")
	}

	return nil
}

// LoadTree parses the provider-tree document at path. A missing file yields
// the built-in default tree; a malformed file is an error so misconfiguration
// cannot silently fall back.
func (c *Config) LoadTree(path string) (*provider.TreeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c.DefaultTree(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var tree provider.TreeConfig
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(tree.Providers) == 0 {
		return nil, fmt.Errorf("config: %s declares no providers", path)
	}

	return &tree, nil
}

// DefaultTree is the provider forest used when no providers file exists: the
// adM leaf behind a memory cache, carrying the service-level cache tunables.
func (c *Config) DefaultTree() *provider.TreeConfig {
	return &provider.TreeConfig{
		Providers: []provider.RootNode{
			{
				ID:           "adm",
				Availability: string(provider.EnabledByDefault),
				Node: provider.Node{
					Type:                  "memory_cache",
					DefaultTTLSec:         int(c.Cache.DefaultTTL / time.Second),
					DefaultLockTimeoutSec: int(c.Cache.LockTimeout / time.Second),
					CleanupIntervalSec:    int(c.Cache.CleanupInterval / time.Second),
					MaxRemovedEntries:     c.Cache.MaxRemovedEntries,
					Child: &provider.Node{
						Type:        "remote_settings",
						EnglishOnly: true,
					},
				},
			},
		},
	}
}

// NeedsRedis reports whether any node of the tree is a redis_cache, so the
// app only dials Redis when the tree actually uses it.
func NeedsRedis(tree *provider.TreeConfig) bool {
	var walk func(n *provider.Node) bool
	walk = func(n *provider.Node) bool {
		if n == nil {
			return false
		}
		if n.Type == "redis_cache" {
			return true
		}
		if walk(n.Child) {
			return true
		}
		for _, c := range n.Children {
			if walk(c) {
				return true
			}
		}
		return false
	}
	for i := range tree.Providers {
		if walk(&tree.Providers[i].Node) {
			return true
		}
	}
	return false
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

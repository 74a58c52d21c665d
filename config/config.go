// Package config loads the nutcache daemon configuration: built-in
// defaults, then an optional YAML file, then NUTCACHE_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/Keksclan/nutcache/edge"
	"gopkg.in/yaml.v3"
)

// EdgeConfig holds edge worker settings.
type EdgeConfig struct {
	App     string `yaml:"app"`
	Version string `yaml:"version"`
	// Precache is the install manifest, relative to the origin. An empty
	// list installs nothing.
	Precache        []string `yaml:"precache"`
	RedisPartitions bool     `yaml:"redis_partitions"`
	// RevalidateRate caps background refreshes per second; zero disables
	// the limit.
	RevalidateRate  float64       `yaml:"revalidate_rate"`
	RevalidateBurst int           `yaml:"revalidate_burst"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the origin.
// A zero FailureThreshold disables the breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// CacheConfig holds cache manager settings.
type CacheConfig struct {
	MaxSize         int64         `yaml:"max_size"`
	Version         string        `yaml:"version"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// Store selects the durable mirror: "none", "file" or "redis".
	Store    string `yaml:"store"`
	StoreDir string `yaml:"store_dir"`
	// Invalidation fans out deletes over Redis Pub/Sub.
	Invalidation bool `yaml:"invalidation"`
}

// RedisConfig holds Redis connection settings shared by the durable store,
// the partition storage and invalidation.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AdminConfig holds admin gRPC settings.
type AdminConfig struct {
	Addr  string  `yaml:"addr"`
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Config is the complete daemon configuration.
type Config struct {
	Origin      string      `yaml:"origin"`
	Listen      string      `yaml:"listen"`
	MetricsPath string      `yaml:"metrics_path"`
	LogLevel    string      `yaml:"log_level"`
	Trace       bool        `yaml:"trace"`
	Edge        EdgeConfig  `yaml:"edge"`
	Cache       CacheConfig `yaml:"cache"`
	Redis       RedisConfig `yaml:"redis"`
	Admin       AdminConfig `yaml:"admin"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Origin:      "http://localhost:3000",
		Listen:      ":8080",
		MetricsPath: "/metrics",
		LogLevel:    "info",
		Edge: EdgeConfig{
			App:             "nutcache",
			Version:         "v1",
			Precache:        slices.Clone(edge.DefaultPrecache),
			RevalidateRate:  20,
			RevalidateBurst: 40,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Cache: CacheConfig{
			MaxSize:    50 << 20,
			Version:    "1.0.0",
			DefaultTTL: 5 * time.Minute,
			Store:      "none",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Admin: AdminConfig{
			Addr:  "127.0.0.1:9090",
			Rate:  50,
			Burst: 100,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies NUTCACHE_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	str := map[string]*string{
		"NUTCACHE_ORIGIN":         &cfg.Origin,
		"NUTCACHE_LISTEN":         &cfg.Listen,
		"NUTCACHE_LOG_LEVEL":      &cfg.LogLevel,
		"NUTCACHE_EDGE_APP":       &cfg.Edge.App,
		"NUTCACHE_EDGE_VERSION":   &cfg.Edge.Version,
		"NUTCACHE_CACHE_STORE":    &cfg.Cache.Store,
		"NUTCACHE_CACHE_DIR":      &cfg.Cache.StoreDir,
		"NUTCACHE_REDIS_ADDR":     &cfg.Redis.Addr,
		"NUTCACHE_REDIS_PASSWORD": &cfg.Redis.Password,
		"NUTCACHE_ADMIN_ADDR":     &cfg.Admin.Addr,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("NUTCACHE_TRACE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: NUTCACHE_TRACE: %w", err)
		}
		cfg.Trace = b
	}
	if v := os.Getenv("NUTCACHE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: NUTCACHE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: origin %q must be an absolute http(s) URL", c.Origin)
	}
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}
	if c.Edge.App == "" || c.Edge.Version == "" {
		return errors.New("config: edge app and version must be set")
	}
	switch c.Cache.Store {
	case "", "none", "redis":
	case "file":
		if c.Cache.StoreDir == "" {
			return errors.New("config: cache.store_dir is required for the file store")
		}
	default:
		return fmt.Errorf("config: unknown cache store %q", c.Cache.Store)
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("config: cache.max_size must be positive")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Cache.Store == "redis" || c.Cache.Invalidation || c.Edge.RedisPartitions
}

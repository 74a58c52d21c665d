package cache

import (
	"net/http"
	"time"

	"github.com/Keksclan/nutcache/metrics"
	"github.com/Keksclan/nutcache/ratelimit"
	"go.uber.org/zap"
)

const (
	// DefaultMaxSize is the byte budget used when WithMaxSize is not given.
	DefaultMaxSize int64 = 50 << 20
	// DefaultTTL is the entry lifetime used when Options.TTL is zero.
	DefaultTTL = 5 * time.Minute
	// DefaultVersion is the entry format version used when WithVersion is
	// not given.
	DefaultVersion = "1.0.0"
	// DefaultStaleFraction is the share of the TTL after which an entry is
	// considered stale.
	DefaultStaleFraction = 0.8
)

// config holds the manager configuration assembled via functional options.
type config struct {
	maxSize         int64
	version         string
	defaultTTL      time.Duration
	staleFraction   float64
	evictFraction   float64
	cleanupInterval time.Duration
	decodeCacheSize int64

	store   Store
	loader  Loader
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	metrics *metrics.Cache
	nowFunc func() time.Time
}

func defaultConfig() config {
	return config{
		maxSize:         DefaultMaxSize,
		version:         DefaultVersion,
		defaultTTL:      DefaultTTL,
		staleFraction:   DefaultStaleFraction,
		decodeCacheSize: 10_000,
		logger:          zap.NewNop(),
		nowFunc:         time.Now,
	}
}

// Option configures a Manager.
type Option func(*config)

// WithMaxSize sets the estimated byte budget. Zero or a negative value
// disables size-driven eviction.
func WithMaxSize(bytes int64) Option {
	return func(c *config) { c.maxSize = bytes }
}

// WithVersion sets the entry format version. Entries written under another
// version are treated as absent.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithDefaultTTL sets the lifetime of entries stored without an explicit TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithStaleFraction sets the share of an entry's TTL after which IsStale
// reports true when no explicit max age is given.
func WithStaleFraction(f float64) Option {
	return func(c *config) { c.staleFraction = f }
}

// WithEvictFraction sets the minimum share of entries, by count, removed by
// one eviction pass. Zero removes only what is needed to get back under the
// byte budget.
func WithEvictFraction(f float64) Option {
	return func(c *config) { c.evictFraction = f }
}

// WithCleanupInterval starts a janitor that calls Cleanup periodically until
// the manager is closed.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *config) { c.cleanupInterval = d }
}

// WithDecodeCacheSize bounds the number of memoized decoded values.
func WithDecodeCacheSize(n int64) Option {
	return func(c *config) { c.decodeCacheSize = n }
}

// WithStore enables durable mirroring of entries stored with Persist.
func WithStore(s Store) Option {
	return func(c *config) { c.store = s }
}

// WithLoader sets the function Preload uses to fetch remote resources.
func WithLoader(l Loader) Option {
	return func(c *config) { c.loader = l }
}

// WithHTTPClient sets the client used by the default Preload loader.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.client = hc }
}

// WithPreloadLimiter throttles Preload fetches.
func WithPreloadLimiter(l *ratelimit.Limiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithLogger sets the logger used for fail-soft errors.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records hits, misses, evictions and sizes.
func WithMetrics(m *metrics.Cache) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.nowFunc = now
		}
	}
}

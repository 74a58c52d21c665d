package edge

import (
	"net/http"
	"time"

	"github.com/Keksclan/nutcache/breaker"
	"github.com/Keksclan/nutcache/metrics"
	"github.com/Keksclan/nutcache/policy"
	"github.com/Keksclan/nutcache/ratelimit"
	"github.com/Keksclan/nutcache/tracing"
	"go.uber.org/zap"
)

const (
	// DefaultApp prefixes partition names when WithApp is not given.
	DefaultApp = "nutcache"
	// DefaultVersion suffixes the app name in partition names when
	// WithVersion is not given.
	DefaultVersion = "v1"
	// DefaultMailboxSize is the number of messages Post can queue.
	DefaultMailboxSize = 64
	// clientBuffer is the number of pushed messages a slow client can
	// queue before further pushes are dropped.
	clientBuffer = 16
)

// DefaultPrecache is the manifest of critical storefront routes installed
// when an origin is set and WithPrecache is not given. Paths resolve
// against the origin.
var DefaultPrecache = []string{
	"/",
	"/shop",
	"/categories",
	"/manifest.json",
	"/images/logo.png",
}

// config holds the worker configuration assembled via functional options.
type config struct {
	app         string
	version     string
	origin      string
	network     http.RoundTripper
	storage     Storage
	precache    []string
	precacheSet bool
	routes      *policy.Resolver
	breaker     *breaker.Breaker
	limiter     *ratelimit.Limiter
	tracing     *tracing.Config
	metrics     *metrics.Edge
	logger      *zap.Logger
	nowFunc     func() time.Time
	mailboxSize int
}

func defaultConfig() config {
	return config{
		app:         DefaultApp,
		version:     DefaultVersion,
		network:     http.DefaultTransport,
		mailboxSize: DefaultMailboxSize,
		logger:      zap.NewNop(),
		nowFunc:     time.Now,
	}
}

// Option configures a Worker.
type Option func(*config)

// WithApp sets the application name used as partition prefix.
func WithApp(name string) Option {
	return func(c *config) { c.app = name }
}

// WithVersion sets the worker version. Partitions of other versions are
// purged on activation.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithOrigin sets the base URL that relative precache and preload URLs are
// resolved against.
func WithOrigin(base string) Option {
	return func(c *config) { c.origin = base }
}

// WithNetwork sets the transport used to reach the origin.
func WithNetwork(rt http.RoundTripper) Option {
	return func(c *config) {
		if rt != nil {
			c.network = rt
		}
	}
}

// WithStorage sets where partitions live. Defaults to a MemoryStorage.
func WithStorage(s Storage) Option {
	return func(c *config) { c.storage = s }
}

// WithPrecache lists the critical URLs stored during Install, replacing
// DefaultPrecache. Calling it with no URLs installs nothing.
func WithPrecache(urls ...string) Option {
	return func(c *config) {
		c.precache = append(c.precache, urls...)
		c.precacheSet = true
	}
}

// WithRoutes replaces the default route table.
func WithRoutes(r *policy.Resolver) Option {
	return func(c *config) { c.routes = r }
}

// WithBreaker short-circuits network calls while b is open; an open circuit
// counts as a network failure.
func WithBreaker(b *breaker.Breaker) Option {
	return func(c *config) { c.breaker = b }
}

// WithRevalidateLimiter caps background stale-while-revalidate refreshes.
// Refreshes over the limit are skipped.
func WithRevalidateLimiter(l *ratelimit.Limiter) Option {
	return func(c *config) { c.limiter = l }
}

// WithTracing enables spans around intercepted requests and origin calls.
func WithTracing(cfg *tracing.Config) Option {
	return func(c *config) { c.tracing = cfg }
}

func WithMetrics(m *metrics.Edge) Option {
	return func(c *config) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.nowFunc = now
		}
	}
}

// WithMailboxSize sets how many messages Post can queue.
func WithMailboxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

package nutcache

import (
	"github.com/Keksclan/nutcache/cache"
	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/ratelimit"
	"github.com/Keksclan/nutcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Option configures a Stack.
type Option func(*config)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithNamespace prefixes every metric name. Defaults to "nutcache".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithTracing enables spans on worker round trips and admin RPCs.
func WithTracing(cfg *tracing.Config) Option {
	return func(c *config) { c.tracing = cfg }
}

// WithCacheOptions passes options to the cache manager.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(c *config) { c.cacheOpts = append(c.cacheOpts, opts...) }
}

// WithEdgeOptions passes options to the edge worker.
func WithEdgeOptions(opts ...edge.Option) Option {
	return func(c *config) { c.edgeOpts = append(c.edgeOpts, opts...) }
}

// WithInvalidation fans manager deletes and tag clears out to other
// processes over Redis Pub/Sub.
func WithInvalidation(rdb *redis.Client) Option {
	return func(c *config) {
		c.rdb = rdb
		c.invalidation = rdb != nil
	}
}

// WithRecovery turns handler panics into codes.Internal instead of crashing
// the process.
func WithRecovery() Option {
	return func(c *config) { c.recovery = true }
}

// WithRequestID assigns every admin RPC a request ID.
func WithRequestID() Option {
	return func(c *config) { c.requestID = true }
}

// WithAccessLog logs every admin RPC.
func WithAccessLog() Option {
	return func(c *config) { c.accessLog = true }
}

// WithAdminRateLimit limits admin RPCs to rps with the given burst.
func WithAdminRateLimit(rps float64, burst int) Option {
	return func(c *config) { c.adminLimit = ratelimit.NewLimiter(rps, burst) }
}

// WithMethodRateLimit gives fullMethod its own limiter, taking precedence
// over WithAdminRateLimit.
func WithMethodRateLimit(fullMethod string, rps float64, burst int) Option {
	return func(c *config) {
		if c.methodLim == nil {
			c.methodLim = make(map[string]*ratelimit.Limiter)
		}
		c.methodLim[fullMethod] = ratelimit.NewLimiter(rps, burst)
	}
}

// WithUnaryInterceptor appends an admin interceptor that runs after the
// built-in ones.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(c *config) { c.custom = append(c.custom, i) }
}

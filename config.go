package nutcache

import (
	"github.com/Keksclan/nutcache/cache"
	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/internal/core"
	"github.com/Keksclan/nutcache/ratelimit"
	"github.com/Keksclan/nutcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Interceptor order slots. Lower values run first.
const (
	OrderRecovery  = 100
	OrderRequestID = 200
	OrderTracing   = 300
	OrderLogging   = 400
	OrderRateLimit = 500
	OrderCustom    = 1000
)

// config holds the internal configuration assembled via functional options.
type config struct {
	logger    *zap.Logger
	registry  *prometheus.Registry
	namespace string
	tracing   *tracing.Config

	cacheOpts []cache.Option
	edgeOpts  []edge.Option

	// invalidation enables cross-process invalidation over rdb.
	rdb          *redis.Client
	invalidation bool

	recovery   bool
	requestID  bool
	accessLog  bool
	adminLimit *ratelimit.Limiter
	methodLim  map[string]*ratelimit.Limiter
	custom     []grpc.UnaryServerInterceptor

	middlewares core.MiddlewareBuilder
}

// Package nutcache wires the storefront caching core into one Stack: the
// cache manager behind the query layer, the edge worker intercepting HTTP
// traffic, the admin gRPC API and the Prometheus registry. Construction and
// teardown are explicit; there is no process-wide instance.
//
//	s, err := nutcache.New(append(nutcache.DefaultOptions(),
//		nutcache.WithEdgeOptions(edge.WithVersion("v2"), edge.WithPrecache("/")),
//	)...)
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Start(ctx); err != nil { ... }
//	products := nutcache.NewQuery(s, "products", query.GetJSON[[]Product](s.Client(), url))
package nutcache

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/Keksclan/nutcache/admin"
	"github.com/Keksclan/nutcache/cache"
	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/interceptors"
	"github.com/Keksclan/nutcache/internal/core"
	"github.com/Keksclan/nutcache/metrics"
	"github.com/Keksclan/nutcache/query"
	"github.com/Keksclan/nutcache/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	// ErrStarted is returned by a second call to Start.
	ErrStarted = errors.New("nutcache: stack already started")
	// ErrStackClosed is returned by Start after Close.
	ErrStackClosed = errors.New("nutcache: stack closed")
)

// Stack owns every long-lived component of a nutcache process.
type Stack struct {
	cfg         config
	manager     *cache.Manager
	worker      *edge.Worker
	invalidator *cache.Invalidator
	grpcServer  *grpc.Server
	health      *health.Server

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Stack by applying the supplied functional [Option] values.
// Admin interceptor order is determined by fixed slots (see the Order
// constants), not by the order options are passed.
func New(opts ...Option) (*Stack, error) {
	cfg := config{logger: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = metrics.NewRegistry()
	}

	manager, err := cache.New(append([]cache.Option{
		cache.WithLogger(cfg.logger.Named("cache")),
		cache.WithMetrics(metrics.NewCache(cfg.registry, cfg.namespace)),
	}, cfg.cacheOpts...)...)
	if err != nil {
		return nil, err
	}

	worker, err := edge.New(append([]edge.Option{
		edge.WithLogger(cfg.logger.Named("edge")),
		edge.WithMetrics(metrics.NewEdge(cfg.registry, cfg.namespace)),
		edge.WithTracing(cfg.tracing),
	}, cfg.edgeOpts...)...)
	if err != nil {
		manager.Close()
		return nil, err
	}

	s := &Stack{
		cfg:     cfg,
		manager: manager,
		worker:  worker,
		health:  health.NewServer(),
	}
	if cfg.invalidation {
		s.invalidator = cache.NewInvalidator(manager, cfg.rdb)
	}

	s.grpcServer = grpc.NewServer(core.BuildServerOptions(s.interceptors(), interceptors.ChainUnary)...)
	admin.Register(s.grpcServer, admin.NewService(worker, manager))
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(admin.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

func (s *Stack) interceptors() []grpc.UnaryServerInterceptor {
	cfg := &s.cfg
	logger := cfg.logger.Named("admin")
	if cfg.recovery {
		cfg.middlewares.Add(OrderRecovery, interceptors.RecoveryUnary(logger))
	}
	if cfg.requestID {
		cfg.middlewares.Add(OrderRequestID, interceptors.RequestIDUnary())
	}
	if cfg.tracing != nil {
		cfg.middlewares.Add(OrderTracing, tracing.UnaryServerInterceptor(cfg.tracing))
	}
	if cfg.accessLog {
		cfg.middlewares.Add(OrderLogging, interceptors.LoggingUnary(logger))
	}
	if cfg.adminLimit != nil || len(cfg.methodLim) > 0 {
		cfg.middlewares.Add(OrderRateLimit, interceptors.RateLimitUnary(cfg.adminLimit, cfg.methodLim))
	}
	for _, i := range cfg.custom {
		cfg.middlewares.Add(OrderCustom, i)
	}
	return cfg.middlewares.Build()
}

// Start runs the worker mailbox and the invalidation listener, then installs
// and activates the worker. A failed install leaves the worker redundant and
// every request passes through to the network.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrStackClosed
	case s.started:
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.worker.Run(runCtx)
	}()
	if s.invalidator != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.invalidator.Start(runCtx)
		}()
	}
	s.mu.Unlock()

	if err := s.worker.Install(ctx); err != nil {
		return err
	}
	if err := s.worker.Activate(ctx); err != nil {
		return err
	}
	s.health.SetServingStatus(admin.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// ServeAdmin serves the admin gRPC API on lis until Close.
func (s *Stack) ServeAdmin(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Close stops the admin server, the worker and the manager, waiting for
// background work. It is safe to call more than once.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	if s.invalidator != nil {
		_ = s.invalidator.Close()
	}
	if cancel != nil {
		cancel()
	}
	err := s.worker.Close()
	s.wg.Wait()
	s.manager.Close()
	return err
}

// Manager returns the cache manager.
func (s *Stack) Manager() *cache.Manager { return s.manager }

// Worker returns the edge worker.
func (s *Stack) Worker() *edge.Worker { return s.worker }

// Invalidator returns the cross-process invalidator, or nil when
// WithInvalidation was not given.
func (s *Stack) Invalidator() *cache.Invalidator { return s.invalidator }

// GRPC returns the admin *grpc.Server so callers can register more services.
func (s *Stack) GRPC() *grpc.Server { return s.grpcServer }

// Registry returns the Prometheus registry holding every collector.
func (s *Stack) Registry() *prometheus.Registry { return s.cfg.registry }

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func (s *Stack) MetricsHandler() http.Handler {
	return metrics.Handler(s.cfg.registry)
}

// Client returns an *http.Client whose requests go through the edge worker.
func (s *Stack) Client() *http.Client {
	return &http.Client{Transport: s.worker}
}

// ReverseProxy returns a handler forwarding every request to origin through
// the edge worker.
func (s *Stack) ReverseProxy(origin *url.URL) http.Handler {
	logger := s.cfg.logger.Named("proxy")
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport: s.worker,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy: upstream failed", zap.String("url", r.URL.String()), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// NewQuery creates a query backed by the stack's cache manager.
func NewQuery[T any](s *Stack, key string, fetch query.Fetcher[T], opts ...query.Option) *query.Query[T] {
	return query.New(s.manager, key, fetch, opts...)
}

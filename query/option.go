package query

import (
	"fmt"
	"time"

	"github.com/Keksclan/nutcache/cache"
	"go.uber.org/zap"
)

// settings holds the options assembled for a Query. Callbacks and
// middleware are stored untyped and checked against T in New.
type settings struct {
	ttl           time.Duration
	swr           bool
	persist       bool
	priority      cache.Priority
	tags          []string
	enabled       bool
	interval      time.Duration
	orderedWrites bool
	logger        *zap.Logger

	onSuccess  any
	onError    func(error)
	middleware []any
}

func defaultSettings() settings {
	return settings{
		swr:     true,
		enabled: true,
		logger:  zap.NewNop(),
	}
}

// Option configures a Query.
type Option func(*settings)

// WithTTL sets the lifetime of values written by the query. Zero selects the
// cache default.
func WithTTL(d time.Duration) Option {
	return func(s *settings) { s.ttl = d }
}

// WithStaleWhileRevalidate controls whether a stale hit triggers a silent
// background refresh. Enabled by default.
func WithStaleWhileRevalidate(on bool) Option {
	return func(s *settings) { s.swr = on }
}

// WithPersist mirrors fetched values into the cache's durable store.
func WithPersist() Option {
	return func(s *settings) { s.persist = true }
}

func WithPriority(p cache.Priority) Option {
	return func(s *settings) { s.priority = p }
}

// WithTags attaches tags to every value the query writes.
func WithTags(tags ...string) Option {
	return func(s *settings) { s.tags = append(s.tags, tags...) }
}

// WithEnabled sets the initial enabled flag. A disabled query does nothing
// on activation.
func WithEnabled(on bool) Option {
	return func(s *settings) { s.enabled = on }
}

// WithRefetchInterval refreshes the value in the background every d while
// the query is enabled, until Close.
func WithRefetchInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithOnSuccess registers a callback for every value the query exposes.
func WithOnSuccess[T any](fn func(T)) Option {
	return func(s *settings) { s.onSuccess = fn }
}

// WithOnError registers a callback for foreground fetch failures.
func WithOnError(fn func(error)) Option {
	return func(s *settings) { s.onError = fn }
}

// WithOrderedWrites stops a background refresh from overwriting a value
// written after the refresh started. Without it the last write wins.
func WithOrderedWrites() Option {
	return func(s *settings) { s.orderedWrites = true }
}

// WithMiddleware wraps the fetcher. The first middleware is the outermost.
func WithMiddleware[T any](mws ...Middleware[T]) Option {
	return func(s *settings) {
		for _, mw := range mws {
			s.middleware = append(s.middleware, mw)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// typed resolves the untyped callbacks for T. A mismatch is a programming
// error.
func typed[T any](s settings) (func(T), []Middleware[T]) {
	var onSuccess func(T)
	if s.onSuccess != nil {
		fn, ok := s.onSuccess.(func(T))
		if !ok {
			panic(fmt.Sprintf("query: WithOnSuccess callback %T does not accept %T", s.onSuccess, *new(T)))
		}
		onSuccess = fn
	}
	mws := make([]Middleware[T], 0, len(s.middleware))
	for _, m := range s.middleware {
		mw, ok := m.(Middleware[T])
		if !ok {
			panic(fmt.Sprintf("query: middleware %T does not wrap a Fetcher[%T]", m, *new(T)))
		}
		mws = append(mws, mw)
	}
	return onSuccess, mws
}

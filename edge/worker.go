// Package edge implements the edge worker: an http.RoundTripper that sits
// between the storefront and its origin and answers GET requests from named
// cache partitions according to a route table.
//
// A Worker goes through an install/activate lifecycle. Until it is
// activated it passes every request straight to the network. Once active it
// resolves each request against its routes and applies cache-first,
// network-first or stale-while-revalidate. Pages talk to the worker through
// a mailbox of JSON messages and receive pushes through connected clients.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Keksclan/nutcache/breaker"
	"github.com/Keksclan/nutcache/policy"
	"github.com/Keksclan/nutcache/tracing"
	"go.uber.org/zap"
)

var (
	// ErrInstallFailed is returned by Install when a precache URL could not
	// be stored.
	ErrInstallFailed = errors.New("edge: install failed")
	// ErrClosed is returned by operations on a closed worker.
	ErrClosed = errors.New("edge: worker closed")
)

// Source labels where a response came from.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceOffline = "offline"
)

// Worker is the edge worker. It is safe for concurrent use.
type Worker struct {
	cfg     config
	origin  *url.URL
	network http.RoundTripper

	// activation is held exclusively while stale partitions are purged;
	// request handling holds it shared.
	activation sync.RWMutex

	state       atomic.Int32
	lifecycleMu sync.Mutex
	skipWaiting bool

	clientsMu sync.Mutex
	clients   map[string]*Client

	mailbox   chan envelope
	done      chan struct{}
	closeOnce sync.Once
	bg        sync.WaitGroup
	bgMu      sync.Mutex
	closed    bool
}

var _ http.RoundTripper = (*Worker)(nil)

// New creates a Worker in the Parsed state.
func New(opts ...Option) (*Worker, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.app == "" || cfg.version == "" {
		return nil, errors.New("edge: app and version must not be empty")
	}
	if cfg.storage == nil {
		cfg.storage = NewMemoryStorage()
	}
	if cfg.routes == nil {
		cfg.routes = policy.Default()
	}
	if !cfg.precacheSet && cfg.origin != "" {
		cfg.precache = slices.Clone(DefaultPrecache)
	}

	w := &Worker{
		cfg:     cfg,
		network: tracing.Transport(cfg.tracing, cfg.network),
		clients: make(map[string]*Client),
		mailbox: make(chan envelope, cfg.mailboxSize),
		done:    make(chan struct{}),
	}
	if cfg.origin != "" {
		u, err := url.Parse(cfg.origin)
		if err != nil {
			return nil, fmt.Errorf("edge: origin: %w", err)
		}
		w.origin = u
	}
	w.state.Store(int32(Parsed))
	return w, nil
}

// Storage returns the partition storage.
func (w *Worker) Storage() Storage { return w.cfg.storage }

// RoundTrip answers req. Requests that are not GET or not http(s), and every
// request before activation, go straight to the network.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet ||
		(req.URL.Scheme != "http" && req.URL.Scheme != "https") ||
		w.State() != Activated {
		return w.network.RoundTrip(req)
	}

	route, pol, ok := w.cfg.routes.Resolve(w.routeTarget(req.URL))
	if !ok {
		return w.network.RoundTrip(req)
	}

	ctx, span := tracing.StartRequest(req.Context(), w.cfg.tracing, "edge "+pol.Strategy.String(), req)
	req = req.WithContext(ctx)

	w.activation.RLock()
	defer w.activation.RUnlock()

	resp, source := w.serve(ctx, req, pol)
	w.cfg.metrics.Served(pol.Strategy.String(), string(pol.Class), source)
	w.cfg.logger.Debug("edge: served",
		zap.String("url", req.URL.String()),
		zap.String("route", route),
		zap.Stringer("strategy", pol.Strategy),
		zap.String("source", source),
		zap.Int("status", resp.StatusCode),
	)
	tracing.EndRequest(span, resp, nil)
	return resp, nil
}

func (w *Worker) serve(ctx context.Context, req *http.Request, pol *policy.Policy) (*http.Response, string) {
	part, err := w.cfg.storage.Open(ctx, w.partitionName(pol.Class))
	if err != nil {
		w.cfg.logger.Warn("edge: partition unavailable", zap.Error(err))
		part = nil
	}
	switch pol.Strategy {
	case policy.CacheFirst:
		return w.cacheFirst(ctx, req, part)
	case policy.StaleWhileRevalidate:
		return w.staleWhileRevalidate(ctx, req, part)
	default:
		return w.networkFirst(ctx, req, part, pol.MaxAge)
	}
}

// cacheFirst serves a stored copy when present and otherwise fetches and
// stores a successful response.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, part Partition) (*http.Response, string) {
	key := req.URL.String()
	if rec, ok := w.match(ctx, part, key); ok {
		return rec.Response(req), SourceCache
	}
	resp, err := w.fetch(req)
	if err != nil {
		return Offline(req), SourceOffline
	}
	if successful(resp.StatusCode) {
		if rec, err := newRecord(resp); err == nil {
			w.put(ctx, part, key, rec)
		} else {
			return Offline(req), SourceOffline
		}
	}
	return resp, SourceNetwork
}

// networkFirst fetches and stores a stamped copy, falling back to the stored
// copy on network failure unless it is older than maxAge.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, part Partition, maxAge time.Duration) (*http.Response, string) {
	key := req.URL.String()
	resp, err := w.fetch(req)
	if err == nil {
		if !successful(resp.StatusCode) {
			return resp, SourceNetwork
		}
		rec, err := newRecord(resp)
		if err == nil {
			rec.Header.Set(CachedAtHeader, fmt.Sprint(w.cfg.nowFunc().UnixMilli()))
			w.put(ctx, part, key, rec)
			return resp, SourceNetwork
		}
	}

	rec, ok := w.match(ctx, part, key)
	if !ok {
		return Offline(req), SourceOffline
	}
	if maxAge > 0 {
		if at, stamped := rec.cachedAt(); stamped && w.cfg.nowFunc().Sub(at) > maxAge {
			return Offline(req), SourceOffline
		}
	}
	return rec.Response(req), SourceCache
}

// staleWhileRevalidate serves a stored copy at once and refreshes it in the
// background. Without a stored copy the caller waits for the fetch.
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request, part Partition) (*http.Response, string) {
	key := req.URL.String()
	if rec, ok := w.match(ctx, part, key); ok {
		w.revalidate(req, part)
		return rec.Response(req), SourceCache
	}
	resp, err := w.fetch(req)
	if err != nil {
		return Offline(req), SourceOffline
	}
	if successful(resp.StatusCode) {
		rec, err := newRecord(resp)
		if err != nil {
			return Offline(req), SourceOffline
		}
		w.put(ctx, part, key, rec)
	}
	return resp, SourceNetwork
}

// revalidate refreshes key in the background, detached from the caller's
// cancellation. Failures are swallowed.
func (w *Worker) revalidate(req *http.Request, part Partition) {
	if part == nil {
		return
	}
	if w.cfg.limiter != nil && !w.cfg.limiter.Allow() {
		w.cfg.metrics.Revalidated("skipped")
		return
	}
	w.bgMu.Lock()
	if w.closed {
		w.bgMu.Unlock()
		return
	}
	w.bg.Add(1)
	w.bgMu.Unlock()

	ctx := context.WithoutCancel(req.Context())
	bgReq := req.Clone(ctx)
	go func() {
		defer w.bg.Done()
		resp, err := w.fetch(bgReq)
		if err != nil {
			w.cfg.metrics.Revalidated("error")
			w.cfg.logger.Debug("edge: revalidation failed", zap.String("url", bgReq.URL.String()), zap.Error(err))
			return
		}
		if !successful(resp.StatusCode) {
			resp.Body.Close()
			w.cfg.metrics.Revalidated("error")
			return
		}
		rec, err := newRecord(resp)
		if err != nil {
			w.cfg.metrics.Revalidated("error")
			return
		}
		w.activation.RLock()
		w.put(ctx, part, bgReq.URL.String(), rec)
		w.activation.RUnlock()
		w.cfg.metrics.Revalidated("ok")
	}()
}

// fetch sends req to the network through the breaker. An open circuit is a
// network failure.
func (w *Worker) fetch(req *http.Request) (*http.Response, error) {
	return breaker.Do(w.cfg.breaker, func() (*http.Response, error) {
		return w.network.RoundTrip(req)
	})
}

func (w *Worker) match(ctx context.Context, part Partition, key string) (*Record, bool) {
	if part == nil {
		return nil, false
	}
	rec, ok, err := part.Match(ctx, key)
	if err != nil {
		w.cfg.logger.Warn("edge: partition read failed", zap.String("partition", part.Name()), zap.Error(err))
		return nil, false
	}
	return rec, ok
}

func (w *Worker) put(ctx context.Context, part Partition, key string, rec *Record) {
	if part == nil {
		return
	}
	if err := part.Put(ctx, key, rec); err != nil {
		w.cfg.logger.Warn("edge: partition write failed", zap.String("partition", part.Name()), zap.Error(err))
	}
}

// resolve turns a possibly relative URL into an absolute one against the
// configured origin.
func (w *Worker) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if w.origin == nil {
		return "", fmt.Errorf("edge: relative URL %q without origin", raw)
	}
	if u.Host == "" && strings.HasPrefix(u.Path, "/") {
		u.Path = w.mount() + u.Path
	}
	return w.origin.ResolveReference(u).String(), nil
}

// mount is the origin path without its trailing slash, empty for an origin
// served at the root.
func (w *Worker) mount() string {
	if w.origin == nil {
		return ""
	}
	return strings.TrimSuffix(w.origin.Path, "/")
}

// routeTarget is the path plus query that routes are matched against. For
// requests to an origin mounted below the root the mount is stripped, so
// "/store/shop" on origin "http://host/store" matches the "/shop" page.
func (w *Worker) routeTarget(u *url.URL) string {
	target := u.Path
	if base := w.mount(); base != "" && u.Host == w.origin.Host {
		if rest, ok := strings.CutPrefix(target, base); ok && (rest == "" || rest[0] == '/') {
			target = rest
			if target == "" {
				target = "/"
			}
		}
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}

// Close stops the mailbox, waits for background refreshes and disconnects
// every client.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.bgMu.Lock()
		w.closed = true
		w.bgMu.Unlock()
		close(w.done)
		w.bg.Wait()

		w.clientsMu.Lock()
		clients := w.clients
		w.clients = make(map[string]*Client)
		w.clientsMu.Unlock()
		for _, c := range clients {
			c.disconnect()
		}
	})
	return nil
}

package edge_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Keksclan/nutcache/breaker"
	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/metrics"
	"github.com/Keksclan/nutcache/ratelimit"
)

// origin is a scriptable network transport.
type origin struct {
	mu      sync.Mutex
	down    bool
	status  int
	body    string
	calls   map[string]int
	release chan struct{}
}

func newOrigin() *origin {
	return &origin{status: http.StatusOK, body: "fresh", calls: make(map[string]int)}
}

func (o *origin) RoundTrip(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.calls[req.URL.Path]++
	down, status, body, release := o.down, o.status, o.body, o.release
	o.mu.Unlock()

	if release != nil {
		<-release
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if down {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &http.Response{
		StatusCode: status,
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body + ":" + req.URL.Path)),
		Request:    req,
	}, nil
}

func (o *origin) set(fn func(o *origin)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

func (o *origin) callsTo(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustNew(t *testing.T, opts ...edge.Option) *edge.Worker {
	t.Helper()
	w, err := edge.New(opts...)
	if err != nil {
		t.Fatalf("edge.New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// activeWorker returns an installed and activated worker for app "shop" at
// version "v2".
func activeWorker(t *testing.T, net http.RoundTripper, opts ...edge.Option) *edge.Worker {
	t.Helper()
	opts = append([]edge.Option{edge.WithApp("shop"), edge.WithVersion("v2"), edge.WithNetwork(net)}, opts...)
	w := mustNew(t, opts...)
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(t.Context()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return w
}

func get(t *testing.T, w *edge.Worker, url string) (int, string, http.Header) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil).WithContext(t.Context())
	req.RequestURI = ""
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(b), resp.Header
}

// getBody fetches url and fails unless the body is want.
func getBody(t *testing.T, w *edge.Worker, url, want string) {
	t.Helper()
	if _, body, _ := get(t, w, url); body != want {
		t.Fatalf("GET %s: got %q, want %q", url, body, want)
	}
}

func partitionLen(t *testing.T, w *edge.Worker, name string) int {
	t.Helper()
	if !has(t, w.Storage(), name) {
		return 0
	}
	n, err := open(t, w.Storage(), name).Len(t.Context())
	if err != nil {
		t.Fatalf("Len(%q): %v", name, err)
	}
	return n
}

func wantLen(t *testing.T, w *edge.Worker, name string, want int) {
	t.Helper()
	if got := partitionLen(t, w, name); got != want {
		t.Fatalf("%s holds %d records, want %d", name, got, want)
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoundTrip_RouteClassification(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)

	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/img/logo.png")
	get(t, w, "http://shop.test/api/products")
	get(t, w, "http://shop.test/shop")
	get(t, w, "http://shop.test/product/42")

	wantLen(t, w, "shop-v2-static", 1)
	wantLen(t, w, "shop-v2-images", 1)
	wantLen(t, w, "shop-v2-api", 1)
	wantLen(t, w, "shop-v2-dynamic", 2)
}

func TestRoundTrip_MountedOrigin(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o, edge.WithOrigin("http://shop.test/store"), edge.WithPrecache("/app.js"))

	// Install resolved the rooted precache path below the mount.
	if n := o.callsTo("/store/app.js"); n != 1 {
		t.Fatalf("origin saw %d requests for /store/app.js, want 1", n)
	}

	getBody(t, w, "http://shop.test/store/shop", "fresh:/store/shop")
	getBody(t, w, "http://shop.test/storefront/shop", "fresh:/storefront/shop")
	o.set(func(o *origin) { o.body = "v2" })

	// "/store/shop" is the "/shop" page and is served stale first.
	getBody(t, w, "http://shop.test/store/shop", "fresh:/store/shop")
	// A path that only shares a prefix with the mount keeps the fallback
	// network-first route.
	getBody(t, w, "http://shop.test/storefront/shop", "v2:/storefront/shop")
}

func TestRoundTrip_CacheFirst(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)

	status, body, _ := get(t, w, "http://shop.test/style.css")
	if status != http.StatusOK || body != "fresh:/style.css" {
		t.Fatalf("got %d %q, want 200 fresh:/style.css", status, body)
	}

	// The second request is served from the partition.
	o.set(func(o *origin) { o.body = "changed" })
	getBody(t, w, "http://shop.test/style.css", "fresh:/style.css")
	if n := o.callsTo("/style.css"); n != 1 {
		t.Fatalf("origin saw %d requests, want 1", n)
	}

	o.set(func(o *origin) { o.down = true })
	getBody(t, w, "http://shop.test/style.css", "fresh:/style.css")

	status, body, hdr := get(t, w, "http://shop.test/app.js")
	if status != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("got %d %q, want 503 Offline", status, body)
	}
	if ct := hdr.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("got Content-Type %q, want text/plain", ct)
	}
}

func TestRoundTrip_CacheFirstSkipsErrors(t *testing.T) {
	o := newOrigin()
	o.status = http.StatusNotFound
	w := activeWorker(t, o)

	if status, _, _ := get(t, w, "http://shop.test/missing.css"); status != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", status)
	}
	wantLen(t, w, "shop-v2-static", 0)
}

func TestRoundTrip_NetworkFirst(t *testing.T) {
	o := newOrigin()
	clk := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	w := activeWorker(t, o, edge.WithClock(clk.Now))

	status, body, hdr := get(t, w, "http://shop.test/api/products")
	if status != http.StatusOK || body != "fresh:/api/products" {
		t.Fatalf("got %d %q, want 200 fresh:/api/products", status, body)
	}
	if v := hdr.Get(edge.CachedAtHeader); v != "" {
		t.Fatalf("live response stamped with %q", v)
	}

	rec, ok := match(t, open(t, w.Storage(), "shop-v2-api"), "http://shop.test/api/products")
	if !ok {
		t.Fatal("response not stored")
	}
	if got, want := rec.Header.Get(edge.CachedAtHeader), strconv.FormatInt(clk.Now().UnixMilli(), 10); got != want {
		t.Fatalf("got stamp %q, want %q", got, want)
	}

	// The stored copy is the fallback.
	o.set(func(o *origin) { o.down = true })
	clk.Advance(time.Minute)
	status, body, _ = get(t, w, "http://shop.test/api/products")
	if status != http.StatusOK || body != "fresh:/api/products" {
		t.Fatalf("got %d %q, want the stored copy", status, body)
	}
}

func TestRoundTrip_NetworkFirstMaxAge(t *testing.T) {
	o := newOrigin()
	o.down = true
	clk := &clock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	w := activeWorker(t, o, edge.WithClock(clk.Now))

	// A copy stored ten minutes ago.
	stamped := clk.Now().Add(-10 * time.Minute).UnixMilli()
	put(t, open(t, w.Storage(), "shop-v2-api"), "http://shop.test/api/products", &edge.Record{
		Status: http.StatusOK,
		Header: http.Header{edge.CachedAtHeader: {strconv.FormatInt(stamped, 10)}},
		Body:   []byte("stale products"),
	})

	status, body, _ := get(t, w, "http://shop.test/api/products")
	if status != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("got %d %q, want 503 Offline", status, body)
	}
}

func TestRoundTrip_NetworkFirstPassesErrorsThrough(t *testing.T) {
	o := newOrigin()
	o.status = http.StatusInternalServerError
	w := activeWorker(t, o)

	if status, _, _ := get(t, w, "http://shop.test/api/orders"); status != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", status)
	}
	wantLen(t, w, "shop-v2-api", 0)
}

func TestRoundTrip_StaleWhileRevalidate(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)

	// No stored copy: the caller waits for the network.
	getBody(t, w, "http://shop.test/shop", "fresh:/shop")

	// The stored copy is served immediately.
	o.set(func(o *origin) { o.body = "v2" })
	getBody(t, w, "http://shop.test/shop", "fresh:/shop")

	eventually(t, "the background refresh", func() bool {
		_, body, _ := get(t, w, "http://shop.test/shop")
		return body == "v2:/shop"
	})

	// Failed refreshes are swallowed.
	o.set(func(o *origin) { o.down = true })
	getBody(t, w, "http://shop.test/shop", "v2:/shop")

	status, body, _ := get(t, w, "http://shop.test/about")
	if status != http.StatusServiceUnavailable || body != "Offline" {
		t.Fatalf("got %d %q, want 503 Offline", status, body)
	}
}

func TestRoundTrip_RevalidationOutlivesRequest(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)
	get(t, w, "http://shop.test/cart")

	release := make(chan struct{})
	o.set(func(o *origin) { o.body, o.release = "later", release })

	ctx, cancel := context.WithCancel(t.Context())
	req := httptest.NewRequest(http.MethodGet, "http://shop.test/cart", nil).WithContext(ctx)
	req.RequestURI = ""
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	cancel()
	close(release)
	o.set(func(o *origin) { o.release = nil })

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	rec, ok := match(t, open(t, w.Storage(), "shop-v2-dynamic"), "http://shop.test/cart")
	if !ok {
		t.Fatal("page not stored")
	}
	if string(rec.Body) != "later:/cart" {
		t.Fatalf("got %q, want later:/cart", rec.Body)
	}
}

func TestRoundTrip_RevalidateLimiter(t *testing.T) {
	o := newOrigin()
	reg := prometheus.NewRegistry()
	m := metrics.NewEdge(reg, "test")
	w := activeWorker(t, o,
		edge.WithRevalidateLimiter(ratelimit.NewLimiter(0.001, 1)),
		edge.WithMetrics(m),
	)

	get(t, w, "http://shop.test/contact")
	for range 3 {
		get(t, w, "http://shop.test/contact")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// One foreground fetch and one allowed refresh.
	if n := o.callsTo("/contact"); n != 2 {
		t.Fatalf("origin saw %d requests, want 2", n)
	}
	const want = `
# HELP test_edge_revalidations_total Background stale-while-revalidate refreshes.
# TYPE test_edge_revalidations_total counter
test_edge_revalidations_total{result="ok"} 1
test_edge_revalidations_total{result="skipped"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_edge_revalidations_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip_PassThrough(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)

	req := httptest.NewRequest(http.MethodPost, "http://shop.test/style.css", strings.NewReader("{}"))
	req.RequestURI = ""
	resp, err := w.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Non-GET requests are never stored.
	wantLen(t, w, "shop-v2-static", 0)
}

func TestRoundTrip_BeforeActivation(t *testing.T) {
	o := newOrigin()
	w := mustNew(t, edge.WithApp("shop"), edge.WithVersion("v2"), edge.WithNetwork(o))

	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/style.css")

	if n := o.callsTo("/style.css"); n != 2 {
		t.Fatalf("origin saw %d requests, want 2", n)
	}
	if got := listNames(t, w.Storage()); len(got) != 0 {
		t.Fatalf("got partitions %v, want none", got)
	}
}

func TestRoundTrip_OpenBreakerIsNetworkFailure(t *testing.T) {
	o := newOrigin()
	b := breaker.New(breaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	w := activeWorker(t, o, edge.WithBreaker(b))

	get(t, w, "http://shop.test/api/products")
	b.OnFailure()

	getBody(t, w, "http://shop.test/api/products", "fresh:/api/products")
	if n := o.callsTo("/api/products"); n != 1 {
		t.Fatalf("open circuit reached the origin: %d requests", n)
	}

	if status, _, _ := get(t, w, "http://shop.test/api/users"); status != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", status)
	}
}

func TestRoundTrip_Metrics(t *testing.T) {
	o := newOrigin()
	reg := prometheus.NewRegistry()
	m := metrics.NewEdge(reg, "test")
	w := activeWorker(t, o, edge.WithMetrics(m))

	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/style.css")

	const want = `
# HELP test_edge_responses_total Intercepted requests by strategy, partition class and response source.
# TYPE test_edge_responses_total counter
test_edge_responses_total{partition="static",source="cache",strategy="cache-first"} 1
test_edge_responses_total{partition="static",source="network",strategy="cache-first"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "test_edge_responses_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTrip_Concurrent(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)

	var wg sync.WaitGroup
	var offline atomic.Int32
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths := []string{"/style.css", "/api/products", "/shop", "/product/" + strconv.Itoa(i)}
			for _, p := range paths {
				req := httptest.NewRequest(http.MethodGet, "http://shop.test"+p, nil)
				req.RequestURI = ""
				resp, err := w.RoundTrip(req)
				if err != nil {
					continue
				}
				if resp.StatusCode == http.StatusServiceUnavailable {
					offline.Add(1)
				}
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	if n := offline.Load(); n != 0 {
		t.Fatalf("%d requests went offline", n)
	}
}

package edge_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/tracing"
)

func wantState(t *testing.T, w *edge.Worker, want edge.State) {
	t.Helper()
	if got := w.State(); got != want {
		t.Fatalf("got state %s, want %s", got, want)
	}
}

func TestLifecycle_InstallThenActivate(t *testing.T) {
	o := newOrigin()
	w := mustNew(t,
		edge.WithApp("shop"),
		edge.WithVersion("v2"),
		edge.WithNetwork(o),
		edge.WithPrecache("http://shop.test/", "http://shop.test/app.js"),
	)
	wantState(t, w, edge.Parsed)

	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantState(t, w, edge.Installed)
	wantLen(t, w, "shop-v2-static", 2)

	if err := w.Activate(t.Context()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	wantState(t, w, edge.Activated)
	if err := w.Activate(t.Context()); err != nil {
		t.Fatalf("second Activate: %v", err)
	}

	// The precached page is served from the partition while offline.
	o.set(func(o *origin) { o.down = true })
	status, body, _ := get(t, w, "http://shop.test/app.js")
	if status != http.StatusOK || body != "fresh:/app.js" {
		t.Fatalf("got %d %q, want 200 fresh:/app.js", status, body)
	}
}

func TestLifecycle_InstallsDefaultPrecache(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte("critical " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	w := mustNew(t, edge.WithApp("shop"), edge.WithVersion("v2"), edge.WithOrigin(srv.URL))
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	mu.Lock()
	got := slices.Sorted(slices.Values(seen))
	mu.Unlock()
	if want := slices.Sorted(slices.Values(edge.DefaultPrecache)); !slices.Equal(got, want) {
		t.Fatalf("origin saw %v, want %v", got, want)
	}

	static := open(t, w.Storage(), "shop-v2-static")
	for _, path := range edge.DefaultPrecache {
		rec, ok := match(t, static, srv.URL+path)
		if !ok {
			t.Fatalf("%s not precached", path)
		}
		if string(rec.Body) != "critical "+path {
			t.Fatalf("%s: got %q", path, rec.Body)
		}
	}
	wantLen(t, w, "shop-v2-static", len(edge.DefaultPrecache))
}

func TestLifecycle_EmptyPrecacheInstallsNothing(t *testing.T) {
	o := newOrigin()
	w := mustNew(t, edge.WithNetwork(o), edge.WithOrigin("http://shop.test"), edge.WithPrecache())
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := o.callsTo("/"); n != 0 {
		t.Fatalf("origin saw %d requests for /, want 0", n)
	}
	if got := listNames(t, w.Storage()); len(got) != 0 {
		t.Fatalf("got partitions %v, want none", got)
	}
}

func TestLifecycle_InstallIsAllOrNothing(t *testing.T) {
	o := newOrigin()
	srv := &pathStatus{next: o, fail: "/broken.css"}
	w := mustNew(t,
		edge.WithApp("shop"),
		edge.WithNetwork(srv),
		edge.WithPrecache("http://shop.test/app.js", "http://shop.test/broken.css"),
	)

	if err := w.Install(t.Context()); !errors.Is(err, edge.ErrInstallFailed) {
		t.Fatalf("got %v, want ErrInstallFailed", err)
	}
	wantState(t, w, edge.Redundant)
	wantLen(t, w, w.StaticPartition(), 0)

	if err := w.Activate(t.Context()); err == nil {
		t.Fatal("a redundant worker must not activate")
	}
	if err := w.Install(t.Context()); err == nil {
		t.Fatal("install runs once")
	}
}

func TestLifecycle_FailedInstallRestoresExistingRecords(t *testing.T) {
	storage := edge.NewMemoryStorage()
	put(t, open(t, storage, "shop-v2-static"), "http://shop.test/app.js", &edge.Record{
		Status: http.StatusOK,
		Body:   []byte("previous build"),
	})

	w := mustNew(t,
		edge.WithApp("shop"),
		edge.WithVersion("v2"),
		edge.WithNetwork(newOrigin()),
		edge.WithStorage(&failingStorage{Storage: storage, fail: "http://shop.test/broken.css"}),
		edge.WithPrecache("http://shop.test/app.js", "http://shop.test/new.css", "http://shop.test/broken.css"),
	)
	if err := w.Install(t.Context()); !errors.Is(err, edge.ErrInstallFailed) {
		t.Fatalf("got %v, want ErrInstallFailed", err)
	}

	static := open(t, storage, "shop-v2-static")
	rec, ok := match(t, static, "http://shop.test/app.js")
	if !ok {
		t.Fatal("rollback deleted a record it did not add")
	}
	if string(rec.Body) != "previous build" {
		t.Fatalf("got %q, want the previous record", rec.Body)
	}
	if _, ok := match(t, static, "http://shop.test/new.css"); ok {
		t.Fatal("rollback kept a record added by the failed install")
	}
	wantLen(t, w, "shop-v2-static", 1)
}

func TestLifecycle_InstallResolvesAgainstOrigin(t *testing.T) {
	o := newOrigin()
	w := mustNew(t,
		edge.WithApp("shop"),
		edge.WithNetwork(o),
		edge.WithOrigin("http://shop.test/"),
		edge.WithPrecache("/", "static/app.css"),
	)
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, ok := match(t, open(t, w.Storage(), w.StaticPartition()), "http://shop.test/static/app.css"); !ok {
		t.Fatal("relative precache URL not resolved against the origin")
	}
}

func TestLifecycle_RelativePrecacheWithoutOrigin(t *testing.T) {
	w := mustNew(t, edge.WithNetwork(newOrigin()), edge.WithPrecache("/app.js"))

	if err := w.Install(t.Context()); !errors.Is(err, edge.ErrInstallFailed) {
		t.Fatalf("got %v, want ErrInstallFailed", err)
	}
}

func TestLifecycle_ActivationPurgesOtherVersions(t *testing.T) {
	storage := edge.NewMemoryStorage()
	for _, name := range []string{"app-v1-static", "app-v1-api", "app-v2-static", "other-v1-static", "app-v1-notes"} {
		put(t, open(t, storage, name), "http://app.test/", &edge.Record{Status: http.StatusOK})
	}

	w := mustNew(t,
		edge.WithApp("app"),
		edge.WithVersion("v2"),
		edge.WithNetwork(newOrigin()),
		edge.WithStorage(storage),
	)
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(t.Context()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	want := []string{"app-v1-notes", "app-v2-static", "other-v1-static"}
	if got := listNames(t, storage); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLifecycle_SkipWaitingDuringInstall(t *testing.T) {
	w := mustNew(t, edge.WithNetwork(newOrigin()))

	if err := w.SkipWaiting(t.Context()); err != nil {
		t.Fatalf("SkipWaiting: %v", err)
	}
	wantState(t, w, edge.Parsed)

	// Install activates when skip waiting was requested.
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	wantState(t, w, edge.Activated)
}

func TestLifecycle_SkipWaitingAfterInstall(t *testing.T) {
	w := mustNew(t, edge.WithNetwork(newOrigin()))

	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.SkipWaiting(t.Context()); err != nil {
		t.Fatalf("SkipWaiting: %v", err)
	}
	wantState(t, w, edge.Activated)
}

func TestLifecycle_ClientsAreNotifiedAndClaimed(t *testing.T) {
	w := mustNew(t, edge.WithNetwork(newOrigin()))

	c := w.Connect()
	if c.Controlled() {
		t.Fatal("client controlled before activation")
	}
	if n := w.Clients(); n != 1 {
		t.Fatalf("got %d clients, want 1", n)
	}

	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := w.Activate(t.Context()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	select {
	case msg := <-c.Messages():
		if msg.Type != edge.UpdateAvailable {
			t.Fatalf("got %s, want %s", msg.Type, edge.UpdateAvailable)
		}
	case <-time.After(time.Second):
		t.Fatal("no update notification")
	}
	if !c.Controlled() {
		t.Fatal("activation did not claim the client")
	}
	if late := w.Connect(); !late.Controlled() {
		t.Fatal("clients connecting after activation must be controlled")
	}

	c.Close()
	if n := w.Clients(); n != 1 {
		t.Fatalf("got %d clients, want 1", n)
	}
	if _, open := <-c.Messages(); open {
		t.Fatal("closed client still receives messages")
	}
}

func TestLifecycle_CloseDisconnectsClients(t *testing.T) {
	w, err := edge.New(edge.WithNetwork(newOrigin()))
	if err != nil {
		t.Fatal(err)
	}
	c := w.Connect()

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, open := <-c.Messages(); open {
		t.Fatal("client channel still open after Close")
	}
	if _, open := <-w.Connect().Messages(); open {
		t.Fatal("connecting to a closed worker must yield a closed channel")
	}
}

func TestLifecycle_StateString(t *testing.T) {
	tests := []struct {
		state edge.State
		want  string
	}{
		{edge.Activated, "activated"},
		{edge.Redundant, "redundant"},
		{edge.State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Fatalf("got %q, want %q", got, tt.want)
		}
	}
}

func TestTracing_RecordsRequestSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	cfg := &tracing.Config{TracerProvider: tp}

	w := activeWorker(t, newOrigin(), edge.WithTracing(cfg))
	get(t, w, "http://shop.test/style.css")

	var spans []string
	for _, s := range sr.Ended() {
		spans = append(spans, s.Name())
	}
	if !slices.Contains(spans, "edge cache-first") {
		t.Fatalf("got spans %v, want edge cache-first", spans)
	}
}

// pathStatus answers fail with a 500 and forwards everything else.
type pathStatus struct {
	next http.RoundTripper
	fail string
}

func (p *pathStatus) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == p.fail {
		return (&edge.Record{Status: http.StatusInternalServerError}).Response(req), nil
	}
	return p.next.RoundTrip(req)
}

// failingStorage refuses to store the key fail in any partition.
type failingStorage struct {
	edge.Storage
	fail string
}

func (s *failingStorage) Open(ctx context.Context, name string) (edge.Partition, error) {
	p, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingPartition{Partition: p, fail: s.fail}, nil
}

type failingPartition struct {
	edge.Partition
	fail string
}

func (p *failingPartition) Put(ctx context.Context, key string, rec *edge.Record) error {
	if key == p.fail {
		return errors.New("disk full")
	}
	return p.Partition.Put(ctx, key, rec)
}

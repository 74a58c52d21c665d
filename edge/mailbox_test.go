package edge_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Keksclan/nutcache/edge"
)

// running starts the mailbox of w for the duration of the test.
func running(t *testing.T, w *edge.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func request(t *testing.T, w *edge.Worker, typ edge.MessageType, payload any) edge.Message {
	t.Helper()
	msg, err := edge.NewMessage(typ, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	reply, err := w.Request(ctx, msg)
	if err != nil {
		t.Fatalf("Request %s: %v", typ, err)
	}
	return reply
}

func wantType(t *testing.T, msg edge.Message, want edge.MessageType) {
	t.Helper()
	if msg.Type != want {
		t.Fatalf("got reply %q (%s), want %q", msg.Type, msg.Payload, want)
	}
}

func decode(t *testing.T, msg edge.Message, v any) {
	t.Helper()
	if err := msg.Decode(v); err != nil {
		t.Fatalf("decode %s: %v", msg.Type, err)
	}
}

func TestMailbox_GetCacheStats(t *testing.T) {
	w := activeWorker(t, newOrigin())
	running(t, w)
	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/app.js")
	get(t, w, "http://shop.test/api/products")

	reply := request(t, w, edge.GetCacheStats, nil)
	wantType(t, reply, edge.CacheStats)

	var stats []edge.PartitionStats
	decode(t, reply, &stats)
	want := []edge.PartitionStats{
		{Name: "shop-v2-api", Count: 1},
		{Name: "shop-v2-static", Count: 2},
	}
	if !slices.Equal(stats, want) {
		t.Fatalf("got %+v, want %+v", stats, want)
	}
}

func TestMailbox_ClearNamedPartition(t *testing.T) {
	w := activeWorker(t, newOrigin())
	running(t, w)
	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/api/products")

	reply := request(t, w, edge.ClearCache, "shop-v2-static")
	wantType(t, reply, edge.CacheCleared)
	var name string
	decode(t, reply, &name)
	if name != "shop-v2-static" {
		t.Fatalf("got %q, want shop-v2-static", name)
	}

	if got := listNames(t, w.Storage()); !slices.Equal(got, []string{"shop-v2-api"}) {
		t.Fatalf("got partitions %v, want [shop-v2-api]", got)
	}
}

func TestMailbox_ClearEverything(t *testing.T) {
	w := activeWorker(t, newOrigin())
	running(t, w)
	get(t, w, "http://shop.test/style.css")
	get(t, w, "http://shop.test/shop")

	reply := request(t, w, edge.ClearCache, nil)
	wantType(t, reply, edge.CacheCleared)
	if len(reply.Payload) != 0 {
		t.Fatalf("got payload %s, want none", reply.Payload)
	}

	if got := listNames(t, w.Storage()); len(got) != 0 {
		t.Fatalf("got partitions %v, want none", got)
	}
}

func TestMailbox_ClearThenRefreshRegistersPartition(t *testing.T) {
	o := newOrigin()
	w := activeWorker(t, o)
	running(t, w)
	get(t, w, "http://shop.test/shop")

	release := make(chan struct{})
	o.set(func(o *origin) { o.body, o.release = "v2", release })
	// The stored copy answers while the refresh waits on the origin.
	getBody(t, w, "http://shop.test/shop", "fresh:/shop")

	wantType(t, request(t, w, edge.ClearCache, nil), edge.CacheCleared)
	close(release)
	o.set(func(o *origin) { o.release = nil })
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// The refresh finished after the clear and is visible as a partition.
	if got := listNames(t, w.Storage()); !slices.Equal(got, []string{"shop-v2-dynamic"}) {
		t.Fatalf("got partitions %v, want [shop-v2-dynamic]", got)
	}
	wantLen(t, w, "shop-v2-dynamic", 1)
}

func TestMailbox_PreloadResources(t *testing.T) {
	w := activeWorker(t, newOrigin(), edge.WithOrigin("http://shop.test"), edge.WithPrecache())
	running(t, w)

	urls := []string{"http://shop.test/catalog.json", "/promo.html"}
	reply := request(t, w, edge.PreloadResources, urls)
	wantType(t, reply, edge.ResourcesPreloaded)
	var got []string
	decode(t, reply, &got)
	if !slices.Equal(got, urls) {
		t.Fatalf("got %v, want %v", got, urls)
	}
	wantLen(t, w, w.StaticPartition(), 2)
}

func TestMailbox_PreloadFailureRepliesError(t *testing.T) {
	o := newOrigin()
	o.down = true
	w := activeWorker(t, o)
	running(t, w)

	reply := request(t, w, edge.PreloadResources, []string{"http://shop.test/a.js"})
	wantType(t, reply, edge.Error)
	wantLen(t, w, w.StaticPartition(), 0)
}

func TestMailbox_BadPayloadAndUnknownType(t *testing.T) {
	w := activeWorker(t, newOrigin())
	running(t, w)

	wantType(t, request(t, w, edge.PreloadResources, map[string]int{"n": 1}), edge.Error)

	reply := request(t, w, "SELF_DESTRUCT", nil)
	wantType(t, reply, edge.Error)
	var reason string
	decode(t, reply, &reason)
	if !strings.Contains(reason, "SELF_DESTRUCT") {
		t.Fatalf("got reason %q, want it to name the type", reason)
	}
}

func TestMailbox_SkipWaiting(t *testing.T) {
	w := mustNew(t, edge.WithNetwork(newOrigin()))
	running(t, w)
	if err := w.Install(t.Context()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Skip waiting has no reply.
	wantType(t, request(t, w, edge.SkipWaiting, nil), "")
	eventually(t, "activation", func() bool { return w.State() == edge.Activated })
}

func TestMailbox_ProcessesInOrder(t *testing.T) {
	w := activeWorker(t, newOrigin())
	get(t, w, "http://shop.test/style.css")

	port := make(chan edge.Message, 2)
	clearMsg, _ := edge.NewMessage(edge.ClearCache, nil)
	stats, _ := edge.NewMessage(edge.GetCacheStats, nil)
	if err := w.Post(t.Context(), clearMsg, port); err != nil {
		t.Fatal(err)
	}
	if err := w.Post(t.Context(), stats, port); err != nil {
		t.Fatal(err)
	}
	running(t, w)

	wantType(t, <-port, edge.CacheCleared)
	second := <-port
	wantType(t, second, edge.CacheStats)
	var got []edge.PartitionStats
	decode(t, second, &got)
	if len(got) != 0 {
		t.Fatalf("got stats %+v after clear, want none", got)
	}
}

func TestMailbox_PostAfterClose(t *testing.T) {
	w, err := edge.New()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	msg, _ := edge.NewMessage(edge.GetCacheStats, nil)
	if err := w.Post(t.Context(), msg, nil); !errors.Is(err, edge.ErrClosed) {
		t.Fatalf("Post: got %v, want ErrClosed", err)
	}
	if _, err := w.Request(t.Context(), msg); !errors.Is(err, edge.ErrClosed) {
		t.Fatalf("Request: got %v, want ErrClosed", err)
	}
}

func TestMessage_JSON(t *testing.T) {
	msg, err := edge.NewMessage(edge.ClearCache, "shop-v1-api")
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"type":"CLEAR_CACHE","payload":"shop-v1-api"}`; string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}

	var empty edge.Message
	if err := empty.Decode(new(string)); err == nil {
		t.Fatal("decoding an empty payload must fail")
	}
}

package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcStatus "google.golang.org/grpc/status"
)

// newTestConfig returns a Config backed by an in-memory span recorder.
func newTestConfig(t *testing.T) (*Config, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return &Config{
		TracerProvider: tp,
		Propagators:    propagation.TraceContext{},
	}, rec
}

const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestUnaryServerInterceptor_CreatesSpan(t *testing.T) {
	cfg, rec := newTestConfig(t)
	ic := UnaryServerInterceptor(cfg)

	handler := func(_ context.Context, req any) (any, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/nutcache.EdgeAdmin/GetCacheStats"}

	resp, err := ic(t.Context(), "req", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Fatalf("expected %q, got %v", "ok", resp)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "/nutcache.EdgeAdmin/GetCacheStats" {
		t.Fatalf("expected span name %q, got %q", "/nutcache.EdgeAdmin/GetCacheStats", span.Name())
	}
	if span.SpanKind() != trace.SpanKindServer {
		t.Fatalf("expected SpanKindServer, got %v", span.SpanKind())
	}

	assertAttr(t, span.Attributes(), "rpc.system", "grpc")
	assertAttr(t, span.Attributes(), "rpc.service", "nutcache.EdgeAdmin")
	assertAttr(t, span.Attributes(), "rpc.method", "GetCacheStats")
	assertAttr(t, span.Attributes(), "rpc.grpc.status_code", "OK")
}

func TestUnaryServerInterceptor_RecordsError(t *testing.T) {
	cfg, rec := newTestConfig(t)
	ic := UnaryServerInterceptor(cfg)

	handler := func(_ context.Context, _ any) (any, error) {
		return nil, grpcStatus.Error(grpcCodes.NotFound, "no such partition")
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/nutcache.EdgeAdmin/ClearCache"}

	if _, err := ic(t.Context(), "req", info, handler); err == nil {
		t.Fatal("expected error")
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Fatalf("expected Error status, got %v", spans[0].Status().Code)
	}
	assertAttr(t, spans[0].Attributes(), "rpc.grpc.status_code", "NotFound")
}

func TestUnaryServerInterceptor_NilConfig_Passthrough(t *testing.T) {
	ic := UnaryServerInterceptor(nil)
	handler := func(_ context.Context, req any) (any, error) { return req, nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}

	resp, err := ic(t.Context(), "hello", info, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hello" {
		t.Fatalf("expected %q, got %v", "hello", resp)
	}
}

func TestUnaryServerInterceptor_ExtractsTraceContext(t *testing.T) {
	cfg, rec := newTestConfig(t)
	ic := UnaryServerInterceptor(cfg)

	ctx := metadata.NewIncomingContext(t.Context(), metadata.Pairs("traceparent", traceparent))
	handler := func(_ context.Context, req any) (any, error) { return req, nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}

	if _, err := ic(ctx, "req", info, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace context not extracted; traceID = %s", got)
	}
}

func TestUnaryClientInterceptor_InjectsTraceContext(t *testing.T) {
	cfg, rec := newTestConfig(t)
	ic := UnaryClientInterceptor(cfg)

	var sent metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		sent, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}
	if err := ic(t.Context(), "/nutcache.EdgeAdmin/SkipWaiting", nil, nil, nil, invoker); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].SpanKind() != trace.SpanKindClient {
		t.Fatalf("expected SpanKindClient, got %v", spans[0].SpanKind())
	}
	if len(sent.Get("traceparent")) != 1 {
		t.Fatalf("traceparent not injected: %v", sent)
	}
}

func TestSplitFullMethod(t *testing.T) {
	tests := []struct {
		input   string
		service string
		method  string
	}{
		{"/nutcache.EdgeAdmin/ClearCache", "nutcache.EdgeAdmin", "ClearCache"},
		{"/service/method", "service", "method"},
		{"noSlash", "noSlash", ""},
	}
	for _, tt := range tests {
		svc, meth := splitFullMethod(tt.input)
		if svc != tt.service || meth != tt.method {
			t.Errorf("splitFullMethod(%q) = (%q, %q), want (%q, %q)", tt.input, svc, meth, tt.service, tt.method)
		}
	}
}

func assertAttr(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, a := range attrs {
		if string(a.Key) == key {
			if a.Value.Emit() != want {
				t.Errorf("attribute %q = %q, want %q", key, a.Value.Emit(), want)
			}
			return
		}
	}
	t.Errorf("attribute %q not found", key)
}

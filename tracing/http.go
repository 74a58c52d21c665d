package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartRequest starts a span for an intercepted HTTP request, continuing any
// trace carried in its headers. With a nil cfg it returns ctx and a no-op
// span.
func StartRequest(ctx context.Context, cfg *Config, name string, req *http.Request) (context.Context, trace.Span) {
	if cfg == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx = cfg.propagators().Extract(ctx, propagation.HeaderCarrier(req.Header))
	ctx, span := cfg.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URL.Path),
	)
	return ctx, span
}

// EndRequest records the outcome of a request span and ends it.
func EndRequest(span trace.Span, resp *http.Response, err error) {
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case resp != nil && resp.StatusCode >= 500:
		span.SetStatus(codes.Error, resp.Status)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Transport returns an [http.RoundTripper] that creates a client span for
// every request sent through next and injects the trace context into the
// outgoing headers. The request is cloned before its headers change.
func Transport(cfg *Config, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if cfg == nil {
		return next
	}
	return &transport{cfg: cfg, next: next}
}

type transport struct {
	cfg  *Config
	next http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.cfg.Tracer().Start(req.Context(), "HTTP "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	)

	out := req.Clone(ctx)
	t.cfg.propagators().Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := t.next.RoundTrip(out)
	EndRequest(span, resp, err)
	return resp, err
}

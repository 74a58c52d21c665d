package core

import (
	"cmp"
	"slices"

	"google.golang.org/grpc"
)

// middleware is a single admin interceptor with a deterministic execution
// order. Lower Order values run first.
type middleware struct {
	Unary grpc.UnaryServerInterceptor
	Order int
}

// MiddlewareBuilder collects interceptors and produces them sorted by order.
type MiddlewareBuilder struct {
	entries []middleware
}

// Add registers an interceptor with the given order. Nil interceptors are
// ignored.
func (b *MiddlewareBuilder) Add(order int, unary grpc.UnaryServerInterceptor) {
	if unary == nil {
		return
	}
	b.entries = append(b.entries, middleware{Unary: unary, Order: order})
}

// Len returns the number of registered interceptors.
func (b *MiddlewareBuilder) Len() int { return len(b.entries) }

// Build sorts the collected middleware by Order (stable) and returns the
// interceptors ready for chaining.
func (b *MiddlewareBuilder) Build() []grpc.UnaryServerInterceptor {
	slices.SortStableFunc(b.entries, func(a, c middleware) int {
		return cmp.Compare(a.Order, c.Order)
	})

	unary := make([]grpc.UnaryServerInterceptor, 0, len(b.entries))
	for _, m := range b.entries {
		unary = append(unary, m.Unary)
	}
	return unary
}

// Package core assembles the admin server's interceptor chain.
package core

import "google.golang.org/grpc"

// BuildServerOptions chains unary with chainUnary and returns the
// grpc.ServerOption values for grpc.NewServer, followed by extra. This keeps
// the wiring logic isolated from the public API surface.
func BuildServerOptions(
	unary []grpc.UnaryServerInterceptor,
	chainUnary func([]grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor,
	extra ...grpc.ServerOption,
) []grpc.ServerOption {
	var opts []grpc.ServerOption
	if u := chainUnary(unary); u != nil {
		opts = append(opts, grpc.UnaryInterceptor(u))
	}
	return append(opts, extra...)
}

package interceptors

import (
	"context"

	"github.com/Keksclan/nutcache/ratelimit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errRateLimited is allocated once to avoid per-request allocations on the hot path.
var errRateLimited = status.Error(codes.ResourceExhausted, "rate limit exceeded")

// RateLimitUnary returns a unary server interceptor that rejects requests when
// the applicable rate limiter has been exhausted. A limiter in perMethod,
// keyed by full method name, takes precedence over global. A nil global
// leaves unlisted methods unlimited.
func RateLimitUnary(global *ratelimit.Limiter, perMethod map[string]*ratelimit.Limiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		l, ok := perMethod[info.FullMethod]
		if !ok {
			l = global
		}
		if l != nil && !l.Allow() {
			return nil, errRateLimited
		}
		return handler(ctx, req)
	}
}

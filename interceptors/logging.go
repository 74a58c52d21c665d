package interceptors

import (
	"context"
	"time"

	"github.com/Keksclan/nutcache/contextx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary returns a unary server interceptor that logs every admin RPC
// with its duration and status code. The handler receives a logger carrying
// the method and request ID through contextx.
func LoggingUnary(l *zap.Logger) grpc.UnaryServerInterceptor {
	if l == nil {
		l = zap.NewNop()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		rl := l.With(zap.String("method", info.FullMethod))
		if id := contextx.RequestIDFromContext(ctx); id != "" {
			rl = rl.With(zap.String("request_id", id))
		}

		resp, err := handler(contextx.WithLogger(ctx, rl), req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("grpc_code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		switch code {
		case codes.OK:
			rl.Info("admin: request completed", fields...)
		case codes.Internal, codes.Unknown, codes.DataLoss:
			rl.Error("admin: request failed", append(fields, zap.Error(err))...)
		default:
			rl.Warn("admin: request rejected", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

// LoggingUnaryClient logs every outgoing admin call at debug level.
func LoggingUnaryClient(l *zap.Logger) grpc.UnaryClientInterceptor {
	if l == nil {
		l = zap.NewNop()
	}
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		l.Debug("admin: call",
			zap.String("method", method),
			zap.String("target", cc.Target()),
			zap.String("grpc_code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

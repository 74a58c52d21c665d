package query

import (
	"context"
	"errors"

	"github.com/Keksclan/nutcache/breaker"
	"github.com/Keksclan/nutcache/retry"
)

// ErrCircuitOpen is returned by a fetcher guarded by Breaker while the
// circuit is open.
var ErrCircuitOpen = breaker.ErrOpen

// Fetcher produces a fresh value, typically from the network.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Middleware wraps a Fetcher to add behaviour around it.
type Middleware[T any] func(Fetcher[T]) Fetcher[T]

// Chain composes middlewares so that the first one is the outermost.
func Chain[T any](mws ...Middleware[T]) Middleware[T] {
	return func(next Fetcher[T]) Fetcher[T] {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Retry retries failed fetches with exponential backoff. When cfg names no
// retryable errors every failure is retried except cancellation and an open
// circuit.
func Retry[T any](cfg retry.Config) Middleware[T] {
	if cfg.Retryable == nil && len(cfg.RetryCodes) == 0 {
		cfg.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) &&
				!errors.Is(err, ErrCircuitOpen)
		}
	}
	return func(next Fetcher[T]) Fetcher[T] {
		return func(ctx context.Context) (T, error) {
			return retry.Do(ctx, cfg, func(ctx context.Context) (T, error) {
				return next(ctx)
			})
		}
	}
}

// Breaker fails fast with ErrCircuitOpen while b is open and records every
// fetch outcome on b.
func Breaker[T any](b *breaker.Breaker) Middleware[T] {
	return func(next Fetcher[T]) Fetcher[T] {
		return func(ctx context.Context) (T, error) {
			return breaker.Do(b, func() (T, error) {
				return next(ctx)
			})
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Keksclan/nutcache"
	"github.com/Keksclan/nutcache/breaker"
	"github.com/Keksclan/nutcache/cache"
	"github.com/Keksclan/nutcache/config"
	"github.com/Keksclan/nutcache/edge"
	"github.com/Keksclan/nutcache/ratelimit"
	"github.com/Keksclan/nutcache/tracing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// stackOptions translates cfg into Stack options. The returned release
// function closes the Redis client and flushes the trace exporter; call it
// after the Stack is closed.
func stackOptions(cfg *config.Config, logger *zap.Logger, traceOut io.Writer) ([]nutcache.Option, func(context.Context) error, error) {
	var (
		rdb      *redis.Client
		releases []func(context.Context) error
	)
	release := func(ctx context.Context) error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			errs = append(errs, releases[i](ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		releases = append(releases, func(context.Context) error { return rdb.Close() })
	}

	cacheOpts := []cache.Option{
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithVersion(cfg.Cache.Version),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
	}
	if cfg.Cache.CleanupInterval > 0 {
		cacheOpts = append(cacheOpts, cache.WithCleanupInterval(cfg.Cache.CleanupInterval))
	}
	switch cfg.Cache.Store {
	case "file":
		fs, err := cache.NewFileStore(cfg.Cache.StoreDir)
		if err != nil {
			_ = release(context.Background())
			return nil, nil, fmt.Errorf("cache store: %w", err)
		}
		cacheOpts = append(cacheOpts, cache.WithStore(fs))
	case "redis":
		cacheOpts = append(cacheOpts, cache.WithStore(cache.NewRedisStoreFromClient(rdb, cfg.Redis.Prefix)))
	}

	edgeOpts := []edge.Option{
		edge.WithApp(cfg.Edge.App),
		edge.WithVersion(cfg.Edge.Version),
		edge.WithOrigin(cfg.Origin),
		edge.WithPrecache(cfg.Edge.Precache...),
	}
	if cfg.Edge.RedisPartitions {
		edgeOpts = append(edgeOpts, edge.WithStorage(edge.NewRedisStorage(rdb, cfg.Redis.Prefix)))
	}
	if b := cfg.Edge.Breaker; b.FailureThreshold > 0 {
		bc := breaker.DefaultConfig()
		bc.FailureThreshold = b.FailureThreshold
		if b.OpenTimeout > 0 {
			bc.OpenTimeout = b.OpenTimeout
		}
		edgeOpts = append(edgeOpts, edge.WithBreaker(breaker.New(bc)))
	}
	if cfg.Edge.RevalidateRate > 0 {
		edgeOpts = append(edgeOpts, edge.WithRevalidateLimiter(
			ratelimit.NewLimiter(cfg.Edge.RevalidateRate, max(cfg.Edge.RevalidateBurst, 1))))
	}

	opts := []nutcache.Option{
		nutcache.WithLogger(logger),
		nutcache.WithCacheOptions(cacheOpts...),
		nutcache.WithEdgeOptions(edgeOpts...),
	}
	if cfg.Cache.Invalidation {
		opts = append(opts, nutcache.WithInvalidation(rdb))
	}
	if cfg.Admin.Rate > 0 {
		opts = append(opts, nutcache.WithAdminRateLimit(cfg.Admin.Rate, max(cfg.Admin.Burst, 1)))
	}
	if cfg.Trace {
		tp, err := tracing.NewStdoutProvider(traceOut)
		if err != nil {
			_ = release(context.Background())
			return nil, nil, fmt.Errorf("tracing: %w", err)
		}
		releases = append(releases, tp.Shutdown)
		opts = append(opts, nutcache.WithTracing(&tracing.Config{TracerProvider: tp}))
	}
	return opts, release, nil
}

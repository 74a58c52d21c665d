package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces mirror records inside a shared Redis.
const DefaultRedisPrefix = "nutcache:"

// RedisConfig holds the connection settings for NewRedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // defaults to DefaultRedisPrefix
}

// RedisStore is a Store backed by Redis. Unlike a purely local store it
// lets several storefront processes share warm mirrors.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store with its own client.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(rdb, cfg.KeyPrefix)
}

// NewRedisStoreFromClient creates a Redis-backed store using an existing
// client.
func NewRedisStoreFromClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Load retrieves the record under key. A missing key is (nil, false, nil).
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// Save stores the record under key without expiration; entry TTLs are
// enforced by the manager.
func (s *RedisStore) Save(ctx context.Context, key string, val []byte) error {
	return s.rdb.Set(ctx, s.prefix+key, val, 0).Err()
}

// Remove deletes the record under key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

// Keys scans for records whose key starts with prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

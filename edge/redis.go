package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces partition keys inside a shared Redis.
const DefaultRedisPrefix = "nutcache:edge:"

// RedisStorage is a Storage backed by Redis: one hash per partition plus a
// set of partition names. Several edge processes can share it.
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates a RedisStorage using rdb. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStorage(rdb *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{rdb: rdb, prefix: prefix}
}

func (s *RedisStorage) namesKey() string { return s.prefix + "partitions" }

func (s *RedisStorage) hashKey(name string) string { return s.prefix + "partition:" + name }

// Open returns a handle without touching Redis. The name is registered by
// the first Put.
func (s *RedisStorage) Open(_ context.Context, name string) (Partition, error) {
	return &redisPartition{rdb: s.rdb, name: name, key: s.hashKey(name), names: s.namesKey()}, nil
}

func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.namesKey(), name).Result()
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.hashKey(name))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("edge: delete partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

type redisPartition struct {
	rdb   *redis.Client
	name  string
	key   string
	names string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, key string) (*Record, bool, error) {
	b, err := p.rdb.HGet(ctx, p.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("edge: decode record %s: %w", key, err)
	}
	return &rec, true, nil
}

func (p *redisPartition) Put(ctx context.Context, key string, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.key, key, b)
		pipe.SAdd(ctx, p.names, p.name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("edge: put %s in %s: %w", key, p.name, err)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.HDel(ctx, p.key, key).Result()
	return n > 0, err
}

func (p *redisPartition) Len(ctx context.Context) (int, error) {
	n, err := p.rdb.HLen(ctx, p.key).Result()
	return int(n), err
}

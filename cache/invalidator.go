package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationChannel is the Redis Pub/Sub channel carrying invalidations
// between storefront processes that share a catalogue.
const InvalidationChannel = "nutcache:invalidate"

// Invalidation names the keys and tags another process dropped.
type Invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Invalidator applies invalidations locally and fans them out to every
// other process subscribed to InvalidationChannel.
type Invalidator struct {
	local  *Manager
	client *redis.Client
	origin string
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an Invalidator for local using client for Pub/Sub.
func NewInvalidator(local *Manager, client *redis.Client) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
		origin: uuid.NewString(),
		logger: local.cfg.logger,
	}
}

// InvalidateKeys deletes keys locally and publishes the invalidation.
func (ci *Invalidator) InvalidateKeys(ctx context.Context, keys ...string) error {
	ci.apply(ctx, Invalidation{Keys: keys})
	return ci.publish(ctx, Invalidation{Origin: ci.origin, Keys: keys})
}

// InvalidateTags clears tags locally and publishes the invalidation.
func (ci *Invalidator) InvalidateTags(ctx context.Context, tags ...string) error {
	ci.apply(ctx, Invalidation{Tags: tags})
	return ci.publish(ctx, Invalidation{Origin: ci.origin, Tags: tags})
}

// Start listens for invalidations from other processes. It blocks until ctx
// is cancelled or Close is called.
func (ci *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	if ci.closed {
		ci.mu.Unlock()
		cancel()
		return
	}
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				ci.logger.Warn("cache: malformed invalidation", zap.Error(err))
				continue
			}
			if inv.Origin == ci.origin {
				continue
			}
			ci.apply(subCtx, inv)
		}
	}
}

// Close stops the listener.
func (ci *Invalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}

func (ci *Invalidator) apply(ctx context.Context, inv Invalidation) {
	for _, k := range inv.Keys {
		ci.local.Delete(ctx, k)
	}
	if len(inv.Tags) > 0 {
		ci.local.ClearByTags(ctx, inv.Tags...)
	}
}

func (ci *Invalidator) publish(ctx context.Context, inv Invalidation) error {
	b, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return ci.client.Publish(ctx, InvalidationChannel, b).Err()
}

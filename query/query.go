// Package query coordinates "cache or fetch" reads on top of a cache.Cache.
//
// A Query serves a cached value immediately when one exists, refreshes it
// silently in the background once it turns stale, and otherwise runs the
// fetcher in the foreground. It exposes the outcome as a State and pushes
// every change to subscribers.
//
// Foreground fetches of one Query are serialized. Background refreshes run
// concurrently with them; by default the last write to the cache wins. Use
// WithOrderedWrites to discard a background result when the key was written
// after the refresh began.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/Keksclan/nutcache/cache"
	"go.uber.org/zap"
)

// State is the exposed outcome of a Query.
type State[T any] struct {
	Data    T
	HasData bool
	Loading bool
	Err     error
}

// Query binds a cache key to a fetcher. Construct it with New and release
// it with Close.
type Query[T any] struct {
	cache     cache.Cache
	fetch     Fetcher[T]
	cfg       settings
	onSuccess func(T)

	// fetchMu serializes foreground fetches.
	fetchMu sync.Mutex

	mu       sync.Mutex
	key      string
	enabled  bool
	state    State[T]
	subs     map[int]chan State[T]
	nextSub  int
	ticking  bool
	closed   bool
	stop     chan struct{}
	bg       sync.WaitGroup
	tickDone sync.WaitGroup
}

// New creates a Query for key. It panics when a typed option was built for
// a type other than T.
func New[T any](c cache.Cache, key string, fetch Fetcher[T], opts ...Option) *Query[T] {
	s := defaultSettings()
	for _, o := range opts {
		o(&s)
	}
	onSuccess, mws := typed[T](s)
	return &Query[T]{
		cache:     c,
		fetch:     Chain(mws...)(fetch),
		cfg:       s,
		onSuccess: onSuccess,
		key:       key,
		enabled:   s.enabled,
		subs:      make(map[int]chan State[T]),
		stop:      make(chan struct{}),
	}
}

// Key returns the current cache key.
func (q *Query[T]) Key() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.key
}

// State returns the current state.
func (q *Query[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Activate reads the key from the cache and exposes the result. A hit is
// served immediately and, if stale, refreshed in the background without
// flipping Loading. A miss runs the fetcher in the foreground. A disabled
// query does nothing.
func (q *Query[T]) Activate(ctx context.Context) State[T] {
	q.mu.Lock()
	key, enabled, closed := q.key, q.enabled, q.closed
	q.mu.Unlock()
	if !enabled || closed {
		return q.State()
	}
	q.startTicker(ctx)

	if data, ok := cache.Lookup[T](ctx, q.cache, key); ok {
		q.expose(key, data, true)
		if q.cfg.swr && q.cache.IsStale(ctx, key, 0) {
			q.revalidate(ctx, key)
		}
		return q.State()
	}

	_, _ = q.foreground(ctx, key)
	return q.State()
}

// SetKey switches the query to key, clears the exposed state and activates
// again.
func (q *Query[T]) SetKey(ctx context.Context, key string) State[T] {
	q.mu.Lock()
	changed := q.key != key
	q.key = key
	if changed {
		q.state = State[T]{}
		q.publishLocked()
	}
	q.mu.Unlock()
	return q.Activate(ctx)
}

// SetEnabled toggles the query. Enabling it activates it.
func (q *Query[T]) SetEnabled(ctx context.Context, on bool) State[T] {
	q.mu.Lock()
	q.enabled = on
	q.mu.Unlock()
	if !on {
		return q.State()
	}
	return q.Activate(ctx)
}

// Refetch runs the fetcher in the foreground and stores the result.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	return q.foreground(ctx, q.Key())
}

// Mutate writes v to the cache and exposes it without fetching. A nil v
// forces a foreground refetch instead.
func (q *Query[T]) Mutate(ctx context.Context, v *T) (T, error) {
	if v == nil {
		return q.Refetch(ctx)
	}
	key := q.Key()
	if err := q.cache.Set(ctx, key, *v, q.storeOptions()); err != nil {
		var zero T
		return zero, err
	}
	q.mu.Lock()
	if q.key == key {
		q.state.Data, q.state.HasData, q.state.Err = *v, true, nil
		q.publishLocked()
	}
	q.mu.Unlock()
	return *v, nil
}

// Invalidate deletes the cache entry and clears the exposed data and error.
func (q *Query[T]) Invalidate(ctx context.Context) {
	q.mu.Lock()
	key := q.key
	loading := q.state.Loading
	q.state = State[T]{Loading: loading}
	q.publishLocked()
	q.mu.Unlock()
	q.cache.Delete(ctx, key)
}

// Subscribe returns a channel that receives the latest state after every
// change and a function that ends the subscription. Slow readers only see
// the most recent state.
func (q *Query[T]) Subscribe() (<-chan State[T], func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan State[T], 1)
	if q.closed {
		close(ch)
		return ch, func() {}
	}
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if c, ok := q.subs[id]; ok {
				delete(q.subs, id)
				close(c)
			}
		})
	}
}

// Wait blocks until every background refresh started so far has finished.
func (q *Query[T]) Wait() {
	q.bg.Wait()
}

// Close stops the refetch interval, waits for background refreshes and
// closes every subscription.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	q.tickDone.Wait()
	q.bg.Wait()

	q.mu.Lock()
	for id, ch := range q.subs {
		delete(q.subs, id)
		close(ch)
	}
	q.mu.Unlock()
}

// foreground fetches key with Loading set and stores the result.
func (q *Query[T]) foreground(ctx context.Context, key string) (T, error) {
	q.fetchMu.Lock()
	defer q.fetchMu.Unlock()

	q.mu.Lock()
	if q.key == key {
		q.state.Loading = true
		q.publishLocked()
	}
	q.mu.Unlock()

	v, err := q.fetch(ctx)
	if err != nil {
		q.mu.Lock()
		if q.key == key {
			q.state.Loading = false
			q.state.Err = err
			q.publishLocked()
		}
		q.mu.Unlock()
		if q.cfg.onError != nil {
			q.cfg.onError(err)
		}
		var zero T
		return zero, err
	}

	if err := q.cache.Set(ctx, key, v, q.storeOptions()); err != nil {
		q.cfg.logger.Warn("query: value not cached", zap.String("key", key), zap.Error(err))
	}
	q.expose(key, v, true)
	return v, nil
}

// revalidate refreshes key in the background. It outlives ctx's
// cancellation and never touches Loading or Err.
func (q *Query[T]) revalidate(ctx context.Context, key string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.bg.Add(1)
	q.mu.Unlock()

	seq := q.cache.Seq(key)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer q.bg.Done()

		v, err := q.fetch(ctx)
		if err != nil {
			q.cfg.logger.Debug("query: background refresh failed", zap.String("key", key), zap.Error(err))
			return
		}

		if q.cfg.orderedWrites {
			wrote, err := q.cache.SetIfUnchanged(ctx, key, v, q.storeOptions(), seq)
			if err != nil {
				q.cfg.logger.Warn("query: value not cached", zap.String("key", key), zap.Error(err))
				return
			}
			if !wrote {
				q.cfg.logger.Debug("query: discarding outdated background refresh", zap.String("key", key))
				return
			}
		} else if err := q.cache.Set(ctx, key, v, q.storeOptions()); err != nil {
			q.cfg.logger.Warn("query: value not cached", zap.String("key", key), zap.Error(err))
		}
		q.expose(key, v, false)
	}()
}

// expose publishes v as the current data if key is still current and calls
// the success callback. Only foreground paths clear Loading.
func (q *Query[T]) expose(key string, v T, foreground bool) {
	q.mu.Lock()
	if q.key != key {
		q.mu.Unlock()
		return
	}
	q.state.Data = v
	q.state.HasData = true
	q.state.Err = nil
	if foreground {
		q.state.Loading = false
	}
	q.publishLocked()
	q.mu.Unlock()

	if q.onSuccess != nil {
		q.onSuccess(v)
	}
}

func (q *Query[T]) startTicker(ctx context.Context) {
	if q.cfg.interval <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ticking || q.closed {
		return
	}
	q.ticking = true
	q.tickDone.Add(1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer q.tickDone.Done()
		ticker := time.NewTicker(q.cfg.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.mu.Lock()
				key, enabled := q.key, q.enabled
				q.mu.Unlock()
				if enabled {
					q.revalidate(ctx, key)
				}
			case <-q.stop:
				return
			}
		}
	}()
}

func (q *Query[T]) storeOptions() cache.Options {
	return cache.Options{
		TTL:      q.cfg.ttl,
		Persist:  q.cfg.persist,
		Priority: q.cfg.priority,
		Tags:     q.cfg.tags,
	}
}

// publishLocked hands the current state to every subscriber, replacing any
// state they have not read yet. Must be called with q.mu held.
func (q *Query[T]) publishLocked() {
	for _, ch := range q.subs {
		select {
		case ch <- q.state:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- q.state:
		default:
		}
	}
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// Manager is the in-memory cache with an optional durable mirror. All
// methods are safe for concurrent use. Construct one per application with
// New and release it with Close.
type Manager struct {
	cfg  config
	memo *ristretto.Cache[string, memoEntry]

	mu          sync.Mutex
	entries     map[string]*Entry
	size        int64
	seq         uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	lastCleanup time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Cache = (*Manager)(nil)

// Stats is a point-in-time view of the manager.
type Stats struct {
	TotalSize   int64
	ItemCount   int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	HitRate     float64 // percentage of lookups that hit
	LastCleanup time.Time
}

// hit is the result of a successful lookup.
type hit struct {
	data    []byte
	decoded any
}

// New creates a Manager.
func New(opts ...Option) (*Manager, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.loader == nil {
		cfg.loader = HTTPLoader(cfg.client)
	}

	memo, err := newMemo(cfg.decodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("cache: decode memo: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		memo:    memo,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.cleanupInterval > 0 {
		go m.janitor()
	} else {
		close(m.done)
	}
	return m, nil
}

// Close stops the janitor and releases the decode memo. The manager must
// not be used afterwards.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.memo.Close()
	})
}

func (m *Manager) now() time.Time { return m.cfg.nowFunc() }

// Set stores value under key. It only fails when value cannot be encoded;
// durable store failures are logged and the entry stays memory-only.
func (m *Manager) Set(ctx context.Context, key string, value any, opts Options) error {
	e, err := m.newEntry(key, value, opts)
	if err != nil {
		return err
	}
	m.put(ctx, e, nil)
	return nil
}

// SetIfUnchanged stores value only if the write sequence of key still equals
// seq. A seq of 0 requires the key to be absent.
func (m *Manager) SetIfUnchanged(ctx context.Context, key string, value any, opts Options, seq uint64) (bool, error) {
	e, err := m.newEntry(key, value, opts)
	if err != nil {
		return false, err
	}
	return m.put(ctx, e, &seq), nil
}

// Seq returns the write sequence of the in-memory entry for key, or 0.
func (m *Manager) Seq(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.seq
	}
	return 0
}

func (m *Manager) newEntry(key string, value any, opts Options) (*Entry, error) {
	data, err := encodeValue(value, opts.Compression)
	if err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.defaultTTL
	}
	now := m.now().UnixMilli()
	e := &Entry{
		Key:        key,
		Data:       data,
		Timestamp:  now,
		LastAccess: now,
		TTL:        ttl.Milliseconds(),
		Tags:       append([]string(nil), opts.Tags...),
		Priority:   opts.Priority.normalize(),
		Compressed: opts.Compression,
		Version:    m.cfg.version,
		Persist:    opts.Persist,
	}
	e.size = e.Size()
	return e, nil
}

// put inserts e, evicts if needed and then syncs the durable mirror. When
// expect is non-nil the write only happens if the current sequence matches.
func (m *Manager) put(ctx context.Context, e *Entry, expect *uint64) bool {
	m.mu.Lock()
	old, existed := m.entries[e.Key]
	if expect != nil {
		var cur uint64
		if existed {
			cur = old.seq
		}
		if cur != *expect {
			m.mu.Unlock()
			return false
		}
	}
	m.insertLocked(e)
	evicted := m.evictLocked(e.Key)
	m.observeLocked()
	m.mu.Unlock()

	if e.Persist {
		m.saveMirror(ctx, e)
	} else if existed && old.Persist {
		m.removeMirror(ctx, e.Key)
	}
	m.dropMirrors(ctx, evicted)
	return true
}

// insertLocked replaces any entry under e.Key and assigns a new sequence.
func (m *Manager) insertLocked(e *Entry) {
	if old, ok := m.entries[e.Key]; ok {
		m.size -= old.size
	}
	m.seq++
	e.seq = m.seq
	m.entries[e.Key] = e
	m.size += e.size
}

// Get returns the JSON encoding of the value under key.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	h, ok := m.lookup(ctx, key, "", nil)
	if !ok {
		return nil, false
	}
	return h.data, true
}

// Decode looks up key and converts it with fn, memoizing the result.
func (m *Manager) Decode(ctx context.Context, key, kind string, fn DecodeFunc) (any, bool) {
	h, ok := m.lookup(ctx, key, kind, fn)
	if !ok {
		return nil, false
	}
	return h.decoded, true
}

// lookup resolves key from memory, then from the durable mirror. Expired,
// outdated and undecodable entries are removed and counted as misses.
func (m *Manager) lookup(ctx context.Context, key, kind string, fn DecodeFunc) (hit, bool) {
	now := m.now()
	nowMs := now.UnixMilli()

	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && !e.validAt(nowMs, m.cfg.version) {
		m.removeLocked(key)
		m.missLocked()
		m.mu.Unlock()
		if e.Persist {
			m.removeMirror(ctx, key)
		}
		return hit{}, false
	}
	m.mu.Unlock()

	if !ok {
		e, ok = m.loadMirror(ctx, key, nowMs)
		if !ok {
			m.mu.Lock()
			m.missLocked()
			m.mu.Unlock()
			return hit{}, false
		}
	}

	h, err := m.resolve(e, kind, fn)
	if err != nil {
		m.cfg.logger.Warn("cache: dropping undecodable entry", zap.String("key", key), zap.Error(err))
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur == e {
			m.removeLocked(key)
		}
		m.missLocked()
		m.mu.Unlock()
		if e.Persist {
			m.removeMirror(ctx, key)
		}
		return hit{}, false
	}

	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && cur == e {
		e.LastAccess = nowMs
	}
	m.hits++
	m.cfg.metrics.Hit()
	m.mu.Unlock()
	return h, true
}

// resolve decodes e for the caller, consulting the memo when fn is set.
func (m *Manager) resolve(e *Entry, kind string, fn DecodeFunc) (hit, error) {
	m.mu.Lock()
	seq := e.seq
	m.mu.Unlock()

	if fn != nil {
		if v, ok := m.memoGet(e.Key, kind, seq); ok {
			return hit{decoded: v}, nil
		}
	}
	data, err := e.value()
	if err != nil {
		return hit{}, err
	}
	h := hit{data: data}
	if fn != nil {
		v, err := fn(data)
		if err != nil {
			return hit{}, fmt.Errorf("cache: decode %q as %s: %w", e.Key, kind, err)
		}
		m.memoSet(e.Key, kind, seq, v)
		h.decoded = v
	}
	return h, nil
}

// loadMirror reads key from the durable store and promotes a valid record
// into memory.
func (m *Manager) loadMirror(ctx context.Context, key string, nowMs int64) (*Entry, bool) {
	if m.cfg.store == nil {
		return nil, false
	}
	b, ok, err := m.cfg.store.Load(ctx, mirrorKey(key))
	if err != nil {
		m.storeFailed("load", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	e, err := parseEntry(b)
	if err != nil || e.Key != key || !e.validAt(nowMs, m.cfg.version) {
		if err != nil {
			m.cfg.logger.Warn("cache: dropping corrupt mirror", zap.String("key", key), zap.Error(err))
		}
		m.removeMirror(ctx, key)
		return nil, false
	}

	e.Persist = true
	m.mu.Lock()
	if cur, ok := m.entries[key]; ok {
		// A concurrent Set won the race; serve that instead.
		m.mu.Unlock()
		return cur, true
	}
	m.insertLocked(e)
	evicted := m.evictLocked(key)
	m.observeLocked()
	m.mu.Unlock()
	m.dropMirrors(ctx, evicted)
	return e, true
}

// IsStale reports whether key is older than maxAge, or than the stale
// fraction of its TTL when maxAge is zero. Absent keys are stale.
func (m *Manager) IsStale(_ context.Context, key string, maxAge time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return true
	}
	limit := maxAge.Milliseconds()
	if maxAge <= 0 {
		limit = int64(float64(e.TTL) * m.cfg.staleFraction)
	}
	return m.now().UnixMilli()-e.Timestamp > limit
}

// Delete removes key from memory and from the durable mirror. It reports
// whether an in-memory entry existed.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	m.mu.Lock()
	_, ok := m.entries[key]
	if ok {
		m.removeLocked(key)
		m.observeLocked()
	}
	m.mu.Unlock()

	m.removeMirror(ctx, key)
	return ok
}

// ClearByTags removes every entry carrying at least one of tags, including
// entries that only exist in the durable mirror, and returns the count.
func (m *Manager) ClearByTags(ctx context.Context, tags ...string) int {
	if len(tags) == 0 {
		return 0
	}

	m.mu.Lock()
	var removed []*Entry
	for k, e := range m.entries {
		if e.hasAnyTag(tags) {
			removed = append(removed, e)
			m.removeLocked(k)
		}
	}
	m.observeLocked()
	m.mu.Unlock()

	m.dropMirrors(ctx, removed)
	count := len(removed)

	if m.cfg.store == nil {
		return count
	}
	seen := make(map[string]struct{}, len(removed))
	for _, e := range removed {
		seen[mirrorKey(e.Key)] = struct{}{}
	}
	keys, err := m.cfg.store.Keys(ctx, mirrorPrefix)
	if err != nil {
		m.storeFailed("keys", "", err)
		return count
	}
	for _, mk := range keys {
		if _, ok := seen[mk]; ok {
			continue
		}
		b, ok, err := m.cfg.store.Load(ctx, mk)
		if err != nil || !ok {
			continue
		}
		e, err := parseEntry(b)
		if err != nil || !e.hasAnyTag(tags) {
			continue
		}
		if err := m.cfg.store.Remove(ctx, mk); err != nil {
			m.storeFailed("remove", e.Key, err)
			continue
		}
		count++
	}
	return count
}

// Clear removes every entry, every durable mirror of this cache and resets
// the hit and miss counters.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]*Entry)
	m.size = 0
	m.hits, m.misses = 0, 0
	m.observeLocked()
	m.mu.Unlock()
	m.memo.Clear()

	if m.cfg.store == nil {
		return
	}
	keys, err := m.cfg.store.Keys(ctx, mirrorPrefix)
	if err != nil {
		m.storeFailed("keys", "", err)
		return
	}
	for _, k := range keys {
		if err := m.cfg.store.Remove(ctx, k); err != nil {
			m.storeFailed("remove", k, err)
		}
	}
}

// Cleanup removes expired and outdated entries and returns how many were
// removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	now := m.now()
	nowMs := now.UnixMilli()

	m.mu.Lock()
	var removed []*Entry
	for k, e := range m.entries {
		if !e.validAt(nowMs, m.cfg.version) {
			removed = append(removed, e)
			m.removeLocked(k)
		}
	}
	m.lastCleanup = now
	m.observeLocked()
	m.mu.Unlock()

	m.dropMirrors(ctx, removed)
	return len(removed)
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalSize:   m.size,
		ItemCount:   len(m.entries),
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		LastCleanup: m.lastCleanup,
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total) * 100
	}
	return s
}

// CurrentSize returns the estimated size of all in-memory entries in bytes.
func (m *Manager) CurrentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// removeLocked deletes key from the map. Must be called with m.mu held.
func (m *Manager) removeLocked(key string) {
	if e, ok := m.entries[key]; ok {
		m.size -= e.size
		delete(m.entries, key)
	}
}

func (m *Manager) missLocked() {
	m.misses++
	m.cfg.metrics.Miss()
}

func (m *Manager) observeLocked() {
	m.cfg.metrics.Observe(m.size, len(m.entries))
}

func (m *Manager) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Cleanup(context.Background()); n > 0 {
				m.cfg.logger.Debug("cache: cleanup", zap.Int("removed", n))
			}
		case <-m.stop:
			return
		}
	}
}

// --- durable mirror ---------------------------------------------------------

// saveMirror writes e to the durable store. When the write fails any older
// mirror of the key is removed, so a reload never sees an overwritten value.
func (m *Manager) saveMirror(ctx context.Context, e *Entry) {
	if m.cfg.store == nil {
		return
	}
	m.mu.Lock()
	b, err := json.Marshal(e)
	m.mu.Unlock()
	if err != nil {
		m.storeFailed("encode", e.Key, err)
		m.removeMirror(ctx, e.Key)
		return
	}
	if err := m.cfg.store.Save(ctx, mirrorKey(e.Key), b); err != nil {
		m.storeFailed("save", e.Key, err)
		m.removeMirror(ctx, e.Key)
	}
}

func (m *Manager) removeMirror(ctx context.Context, key string) {
	if m.cfg.store == nil {
		return
	}
	if err := m.cfg.store.Remove(ctx, mirrorKey(key)); err != nil {
		m.storeFailed("remove", key, err)
	}
}

// dropMirrors removes the durable copies of persisted entries in es.
func (m *Manager) dropMirrors(ctx context.Context, es []*Entry) {
	for _, e := range es {
		if e.Persist {
			m.removeMirror(ctx, e.Key)
		}
	}
}

// storeFailed logs a durable store error; the manager keeps working from
// memory.
func (m *Manager) storeFailed(op, key string, err error) {
	m.cfg.metrics.StoreError(op)
	m.cfg.logger.Warn("cache: durable store unavailable, continuing in memory",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

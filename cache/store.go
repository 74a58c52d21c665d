package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Store is a durable key/value backend for entry mirrors. Keys passed to a
// Store are already namespaced ("cache_<key>").
type Store interface {
	// Load returns the record under key. The boolean reports presence.
	Load(ctx context.Context, key string) ([]byte, bool, error)

	// Save writes the record under key, replacing any previous one.
	Save(ctx context.Context, key string, val []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every stored key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is a Store kept in process memory with an optional byte quota.
// It survives Manager instances but not the process, which makes it useful
// in tests and for emulating quota failures.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int64
	used  int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. A quota of 0 means unlimited.
func NewMemoryStore(quota int64) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), quota: quota}
}

// Load returns a copy of the record under key.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(v), true, nil
}

// Save stores val under key, failing with ErrQuotaExceeded when the quota
// would be exceeded.
func (s *MemoryStore) Save(_ context.Context, key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used - int64(len(s.data[key])) + int64(len(val))
	if s.quota > 0 && used > s.quota {
		return ErrQuotaExceeded
	}
	s.data[key] = slices.Clone(val)
	s.used = used
	return nil
}

// Remove deletes key.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[key]; ok {
		s.used -= int64(len(v))
		delete(s.data, key)
	}
	return nil
}

// Keys lists the stored keys starting with prefix in lexical order.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

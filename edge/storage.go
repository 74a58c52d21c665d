package edge

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Partition is a named bucket of request to response pairs. Keys are
// absolute request URLs.
type Partition interface {
	Name() string
	// Match returns the record stored under key.
	Match(ctx context.Context, key string) (*Record, bool, error)
	// Put stores rec under key, replacing any previous record. The first
	// Put creates the partition, including after it was deleted.
	Put(ctx context.Context, key string, rec *Record) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
}

// Storage holds the named partitions of one or more workers.
type Storage interface {
	// Open returns a handle to the partition called name. It does not
	// create the partition; Has and Names only see it after a Put.
	Open(ctx context.Context, name string) (Partition, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the partition and everything in it. It reports
	// whether the partition existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names lists every partition in lexical order.
	Names(ctx context.Context) ([]string, error)
}

// MemoryStorage is a Storage kept in process memory.
type MemoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*Record
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{partitions: make(map[string]map[string]*Record)}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Partition, error) {
	return &memoryPartition{s: s, name: name}, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	delete(s.partitions, name)
	return ok, nil
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.partitions)), nil
}

// memoryPartition addresses its records by name, so a handle opened before
// a Delete writes into the recreated partition rather than a detached one.
type memoryPartition struct {
	s    *MemoryStorage
	name string
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(_ context.Context, key string) (*Record, bool, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	r, ok := p.s.partitions[p.name][key]
	return r, ok, nil
}

func (p *memoryPartition) Put(_ context.Context, key string, rec *Record) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	records, ok := p.s.partitions[p.name]
	if !ok {
		records = make(map[string]*Record)
		p.s.partitions[p.name] = records
	}
	records[key] = rec
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	records := p.s.partitions[p.name]
	_, ok := records[key]
	delete(records, key)
	return ok, nil
}

func (p *memoryPartition) Len(_ context.Context) (int, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	return len(p.s.partitions[p.name]), nil
}

// Package cache provides the process-wide cache manager: an in-memory
// key/value store with per-entry TTL, priority, tags, optional compression
// and an optional durable mirror, plus tag invalidation, staleness checks
// and size-bounded eviction.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrQuotaExceeded is returned by a Store that has run out of space.
var ErrQuotaExceeded = errors.New("cache: store quota exceeded")

// Cache is the contract the query layer and application code depend on.
// *Manager is the only implementation shipped with this package.
type Cache interface {
	// Get returns the JSON encoding of the value stored under key. The
	// boolean reports a hit.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Decode looks up key and converts the stored JSON with fn. Results are
	// memoized per key, kind and write, so fn runs once per stored value.
	// A value that fn rejects is removed and reported as a miss.
	Decode(ctx context.Context, key, kind string, fn DecodeFunc) (any, bool)

	// Set stores value under key, replacing any previous entry.
	Set(ctx context.Context, key string, value any, opts Options) error

	// SetIfUnchanged stores value only while the write sequence of key
	// still equals seq (0 meaning absent). It reports whether it wrote.
	SetIfUnchanged(ctx context.Context, key string, value any, opts Options, seq uint64) (bool, error)

	// Seq returns the write sequence of the in-memory entry for key, or 0.
	Seq(key string) uint64

	// Delete removes key from memory and from the durable mirror.
	Delete(ctx context.Context, key string) bool

	// IsStale reports whether the entry under key is older than maxAge. A
	// zero maxAge selects the manager's stale fraction of the entry TTL.
	IsStale(ctx context.Context, key string, maxAge time.Duration) bool
}

// DecodeFunc converts the JSON form of a cached value into a Go value.
type DecodeFunc func(data []byte) (any, error)

// Options controls how a single value is stored.
type Options struct {
	// TTL is the lifetime of the entry. Zero selects the manager default.
	TTL time.Duration

	// Compression stores the value as base64 of its JSON encoding.
	Compression bool

	// Priority influences eviction order. The zero value means medium.
	Priority Priority

	// Tags group entries for ClearByTags.
	Tags []string

	// Persist mirrors the entry into the durable Store.
	Persist bool
}

// Priority ranks entries for eviction; lower priorities go first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

// normalize maps the zero value and unknown values to PriorityMedium.
func (p Priority) normalize() Priority {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityMedium
	}
}

func (p Priority) String() string {
	switch p.normalize() {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// MarshalText encodes the priority as "low", "medium" or "high".
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes "low", "medium" or "high".
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses a priority name. An empty string means medium.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("cache: unknown priority %q", s)
}

// Lookup reads key from c and decodes it into T. Decoded values are shared
// between callers and must not be mutated.
func Lookup[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Decode(ctx, key, reflect.TypeFor[T]().String(), func(data []byte) (any, error) {
		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if !ok {
		return zero, false
	}
	out, ok := v.(T)
	if !ok {
		return zero, false
	}
	return out, true
}

package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// mirrorPrefix namespaces durable mirror keys: "cache_<key>".
const mirrorPrefix = "cache_"

// entryOverhead approximates the bookkeeping bytes of one entry.
const entryOverhead = 64

// Entry is a single cached value together with its metadata. Its JSON form
// is the durable mirror record.
type Entry struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	LastAccess int64           `json:"lastAccess"`
	TTL        int64           `json:"ttl"`
	Tags       []string        `json:"tags"`
	Priority   Priority        `json:"priority"`
	Compressed bool            `json:"compressed"`
	Version    string          `json:"version"`
	Persist    bool            `json:"persist"`

	seq  uint64
	size int64
}

// mirrorKey returns the durable record key for a cache key.
func mirrorKey(key string) string {
	return mirrorPrefix + key
}

// Size returns the estimated number of bytes the entry occupies.
func (e *Entry) Size() int64 {
	n := len(e.Key) + len(e.Data) + len(e.Version) + entryOverhead
	for _, t := range e.Tags {
		n += len(t)
	}
	return int64(n)
}

// validAt reports whether the entry is unexpired at nowMs and was written
// under version.
func (e *Entry) validAt(nowMs int64, version string) bool {
	return nowMs-e.Timestamp < e.TTL && e.Version == version
}

// hasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) hasAnyTag(tags []string) bool {
	for _, t := range e.Tags {
		if slices.Contains(tags, t) {
			return true
		}
	}
	return false
}

// value returns the JSON encoding of the stored value, undoing compression.
func (e *Entry) value() ([]byte, error) {
	if !e.Compressed {
		return e.Data, nil
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("cache: decode %q: %w", e.Key, err)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cache: decode %q: %w", e.Key, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("cache: decode %q: invalid JSON payload", e.Key)
	}
	return raw, nil
}

// encodeValue turns an arbitrary value into its stored form. json.RawMessage
// values are taken as already encoded.
func encodeValue(value any, compress bool) (json.RawMessage, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("cache: invalid raw JSON value")
		}
		raw = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache: encode value: %w", err)
		}
		raw = b
	}
	if !compress {
		return slices.Clone(raw), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

// parseEntry decodes a durable mirror record.
func parseEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("cache: parse mirror: %w", err)
	}
	if !e.Compressed && !json.Valid(e.Data) {
		return nil, errors.New("cache: parse mirror: invalid data")
	}
	e.Priority = e.Priority.normalize()
	e.size = e.Size()
	return &e, nil
}

package cache

import (
	"cmp"
	"math"
	"slices"
)

// evictLocked brings the estimated size back under the byte budget by
// removing entries in (priority, last access, write order) order. The entry
// under protect is never removed. When an evict fraction is configured at
// least that share of entries goes in one pass. Must be called with m.mu
// held; the caller drops the durable mirrors of the returned entries.
func (m *Manager) evictLocked(protect string) []*Entry {
	if m.cfg.maxSize <= 0 || m.size <= m.cfg.maxSize {
		return nil
	}

	candidates := make([]*Entry, 0, len(m.entries))
	for k, e := range m.entries {
		if k != protect {
			candidates = append(candidates, e)
		}
	}
	slices.SortFunc(candidates, func(a, b *Entry) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(a.LastAccess, b.LastAccess); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	minCount := int(math.Ceil(float64(len(m.entries)) * m.cfg.evictFraction))

	var evicted []*Entry
	for _, e := range candidates {
		if m.size <= m.cfg.maxSize && len(evicted) >= minCount {
			break
		}
		m.removeLocked(e.Key)
		m.evictions++
		m.cfg.metrics.Evicted()
		evicted = append(evicted, e)
	}
	return evicted
}

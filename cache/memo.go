package cache

import (
	"github.com/dgraph-io/ristretto/v2"
)

// memoEntry is a decoded value tied to the write that produced it.
type memoEntry struct {
	seq uint64
	val any
}

// newMemo creates the bounded decode memo. maxItems controls how many
// decoded values are kept (each costs 1).
func newMemo(maxItems int64) (*ristretto.Cache[string, memoEntry], error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	return ristretto.NewCache(&ristretto.Config[string, memoEntry]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
}

func memoKey(key, kind string) string {
	return kind + "\x00" + key
}

// memoGet returns the decoded value for key and kind if it belongs to the
// write identified by seq.
func (m *Manager) memoGet(key, kind string, seq uint64) (any, bool) {
	me, ok := m.memo.Get(memoKey(key, kind))
	if !ok || me.seq != seq {
		return nil, false
	}
	return me.val, true
}

func (m *Manager) memoSet(key, kind string, seq uint64, v any) {
	m.memo.Set(memoKey(key, kind), memoEntry{seq: seq, val: v}, 1)
	m.memo.Wait()
}

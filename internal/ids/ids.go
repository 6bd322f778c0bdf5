// Package ids provides the small identity and ordered-storage helpers
// shared by the sender and receiver engines: compact sortable session
// identifiers for log/metric correlation, and a segment-id-ordered map
// built on google/btree.BTreeG so the receiver's assembled-segment store
// walks in ascending id order without a sort step (the sender's retransmit
// cache uses it for keyed lookup and deletion only).
package ids

import (
	"sync"

	"github.com/google/btree"
	"github.com/rs/xid"
)

// NewSession returns a new compact, sortable, time-ordered session
// identifier.
func NewSession() string { return xid.New().String() }

type entry[V any] struct {
	id  uint64
	val V
}

func lessEntry[V any](a, b entry[V]) bool { return a.id < b.id }

// OrderedMap is a concurrency-safe map from a uint64 segment id to a value,
// iterable in ascending id order. Degree 32 matches btree's own default
// recommendation for in-memory trees of this size.
type OrderedMap[V any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[entry[V]]
}

// NewOrderedMap constructs an empty OrderedMap.
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{tree: btree.NewG(32, lessEntry[V])}
}

// Set inserts or replaces the value stored under id.
func (m *OrderedMap[V]) Set(id uint64, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(entry[V]{id: id, val: v})
}

// Get returns the value stored under id, if any.
func (m *OrderedMap[V]) Get(id uint64) (v V, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tree.Get(entry[V]{id: id})
	return e.val, ok
}

// Delete removes id, reporting whether it was present.
func (m *OrderedMap[V]) Delete(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tree.Delete(entry[V]{id: id})
	return ok
}

// Len reports the number of stored entries.
func (m *OrderedMap[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Ascend visits every entry in ascending id order, stopping early if fn
// returns false. fn is called with the map's read lock held, so it must
// not call back into the same OrderedMap.
func (m *OrderedMap[V]) Ascend(fn func(id uint64, v V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tree.Ascend(func(e entry[V]) bool {
		return fn(e.id, e.val)
	})
}

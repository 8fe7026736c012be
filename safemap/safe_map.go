// Package safemap provides a type-safe concurrent map built on sync.Map with
// a constant-time entry count. The server keeps its session registry in one.
package safemap

import (
	"sync"
	"sync/atomic"
)

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Len is O(1); Range and Values
// are O(n) in the number of entries.
type SafeMap[K comparable, V any] struct {
	m sync.Map
	n atomic.Int64
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	if _, loaded := m.m.Swap(k, v); !loaded {
		m.n.Add(1)
	}
}

// Load returns the value for key k and whether it was present. A missing key
// yields the zero value of V.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Get is an alias for Load.
func (m *SafeMap[K, V]) Get(k K) (V, bool) {
	return m.Load(k)
}

// LoadOrStore returns the existing value for k if present. Otherwise it stores
// v and returns it.
//
// Parameters:
//   - k: The key to look up or store
//   - v: The value to store when k is absent
//
// Returns:
//   - The existing or stored value
//   - true if the value was already present, false if v was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	if !loaded {
		m.n.Add(1)
	}

	return actual.(V), loaded
}

// LoadAndDelete removes k and returns the value it held, if any.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if k was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	m.n.Add(-1)
	return v.(V), true
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.LoadAndDelete(k)
}

// Range calls f for each entry until f returns false. Entries may be stored
// or deleted concurrently, including from f; such changes may or may not be
// observed by the running iteration.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns a snapshot of the values in unspecified order.
func (m *SafeMap[K, V]) Values() []V {
	out := make([]V, 0, m.Len())
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})

	return out
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	return int(m.n.Load())
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

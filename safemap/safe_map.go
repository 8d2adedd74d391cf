// Package safemap provides a type-safe concurrent map built on sync.Map. The
// server uses it as the registry of live connections: the accept loop adds,
// each connection's cleanup removes, and Stop drains the whole map.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap ready for use.
//
// Returns:
//   - A pointer to a new, empty SafeMap
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, replacing any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k.
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

// LoadAndDelete removes k and returns the value it held. Exactly one of
// several concurrent callers for the same key observes loaded == true, which
// lets a connection's own cleanup and a concurrent Stop agree on who owns
// the teardown.
//
// Parameters:
//   - k: The key to remove
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if this call removed the entry
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// Delete removes the entry for k. Deleting an absent key is a no-op.
//
// Parameters:
//   - k: The key to remove
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether k is present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - true if the map holds an entry for k
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. Entries added or
// removed concurrently may or may not be visited.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries. It walks the whole map.
//
// Returns:
//   - The number of entries at the time of the walk
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ any) bool {
		length++
		return true
	})

	return length
}

// Values returns a snapshot of the values currently stored.
//
// Returns:
//   - A new slice with every value, in no particular order
func (m *SafeMap[K, V]) Values() []V {
	values := make([]V, 0)
	m.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})

	return values
}

// Drain removes every entry and returns the removed values. An entry removed
// concurrently by someone else is not returned, so each value is handed to
// exactly one owner.
//
// Returns:
//   - The values this call removed
func (m *SafeMap[K, V]) Drain() []V {
	drained := make([]V, 0)
	m.m.Range(func(k, _ any) bool {
		if v, loaded := m.m.LoadAndDelete(k); loaded {
			drained = append(drained, v.(V))
		}

		return true
	})

	return drained
}

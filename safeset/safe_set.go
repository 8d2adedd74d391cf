// Package safeset provides a small mutex-guarded generic set.
package safeset

import "sync"

// SafeSet is a thread-safe set of unique elements of comparable type T.
type SafeSet[T comparable] struct {
	m map[T]struct{}
	sync.RWMutex
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add adds an element to the set.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was not already present
func (s *SafeSet[T]) Add(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove removes an element from the set.
//
// Parameters:
//   - value: The element to remove
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether the set contains value.
//
// Parameters:
//   - value: The element to look up
//
// Returns:
//   - true if the set contains value, false otherwise
func (s *SafeSet[T]) Contains(value T) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Any reports whether at least one element satisfies match.
//
// Parameters:
//   - match: Predicate evaluated under the read lock; it must not modify the set
//
// Returns:
//   - true if match returned true for some element
func (s *SafeSet[T]) Any(match func(value T) bool) bool {
	s.RLock()
	defer s.RUnlock()
	for k := range s.m {
		if match(k) {
			return true
		}
	}

	return false
}

// Size returns the number of elements in the set.
//
// Returns:
//   - The number of elements in the set
func (s *SafeSet[T]) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Reset removes all elements from the set.
func (s *SafeSet[T]) Reset() {
	s.Lock()
	defer s.Unlock()
	s.m = make(map[T]struct{})
}

// Range calls f for each element until f returns false. The behavior is
// undefined if f modifies the set.
//
// Parameters:
//   - f: Function called for each element; return false to stop iteration
func (s *SafeSet[T]) Range(f func(value T) bool) {
	s.RLock()
	defer s.RUnlock()
	for k := range s.m {
		if !f(k) {
			break
		}
	}
}

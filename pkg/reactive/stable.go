package reactive

import "sync"

// StableValue holds a value that survives re-renders of its component.
// Setting it never triggers a re-render.
type StableValue[T any] struct {
	mu          sync.RWMutex
	value       T
	previous    T
	hasPrevious bool
	destroyed   bool
}

// NewStableValue creates a StableValue holding initial.
func NewStableValue[T any](initial T) *StableValue[T] {
	return &StableValue[T]{value: initial}
}

// Get returns the current value.
func (s *StableValue[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the value and remembers the old one.
func (s *StableValue[T]) Set(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.value
	s.hasPrevious = true
	s.value = value
}

// Previous returns the value before the last Set, if there was one.
func (s *StableValue[T]) Previous() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous, s.hasPrevious
}

// Destroy marks the value as released. It is idempotent.
func (s *StableValue[T]) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

// IsDestroyed reports whether Destroy has been called.
func (s *StableValue[T]) IsDestroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed
}

package frame

import "sync"

// Slot holds the most recent published value. Writers replace it, readers
// copy it out; there is no backlog, a slow reader only ever misses
// intermediate values.
type Slot[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
}

// Store replaces the held value.
func (s *Slot[T]) Store(v T) {
	s.mu.Lock()
	s.value = v
	s.version++
	s.mu.Unlock()
}

// Load returns the held value and false when nothing was stored yet.
func (s *Slot[T]) Load() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.version > 0
}

// Version returns how many values have been stored.
func (s *Slot[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

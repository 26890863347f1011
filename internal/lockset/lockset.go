// Package lockset serializes work per key within the process.
package lockset

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Set hands out one mutex per key. Entries are dropped once no holder or
// waiter remains.
type Set struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func New() *Set {
	return &Set{keys: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (s *Set) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.keys[key]
	if !ok {
		e = &entry{}
		s.keys[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.keys, key)
		}
		s.mu.Unlock()
	}
}

// Len is the number of keys currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

package tle

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the active catalog. Readers never block; a refresh swaps the
// whole catalog at once.
type Store struct {
	catalog atomic.Pointer[Catalog]
	mu      sync.Mutex // serializes refreshes
}

func NewStore() *Store {
	return &Store{}
}

// Get returns the active catalog, or nil before the first load.
func (s *Store) Get() *Catalog {
	return s.catalog.Load()
}

// Set replaces the active catalog.
func (s *Store) Set(c *Catalog) {
	s.catalog.Store(c)
}

// Age returns how long ago the active catalog was fetched, and false when
// none is loaded.
func (s *Store) Age(now time.Time) (time.Duration, bool) {
	c := s.catalog.Load()
	if c == nil {
		return 0, false
	}
	return now.Sub(c.FetchedAt), true
}

func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

package registry

import (
	"sync"
	"sync/atomic"
)

// Store publishes snapshots. Readers never block: Current returns whatever
// snapshot was most recently published, and a request keeps the snapshot it
// started with for its whole life.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serializes Publish
	version uint64
}

// NewStore returns a store publishing initial. initial may be nil.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	if initial != nil {
		s.Publish(initial)
	}
	return s
}

// Current returns the active snapshot, or nil if none was published.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish makes snap the active snapshot and returns its version. A
// snapshot must be published at most once.
func (s *Store) Publish(snap *Snapshot) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	snap.version = s.version
	s.current.Store(snap)
	return snap.version
}

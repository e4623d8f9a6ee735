// internal/room/registry.go
package room

import "sync"

// Store manages the active rooms in memory, keyed by room id. It provides
// thread-safe add, retrieve, and delete; the store lock is distinct from any
// individual room's lock so that operations on independent rooms never
// contend with each other.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewStore initializes and returns an empty Store.
func NewStore() *Store {
	return &Store{rooms: make(map[string]*Room)}
}

// Add registers a room. Adding an id that is already registered returns
// ErrRoomExists and leaves the existing room untouched; the check and the
// insert happen under one lock so a create racing a create cannot overwrite.
func (s *Store) Add(r *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[r.ID]; exists {
		return ErrRoomExists
	}
	s.rooms[r.ID] = r
	return nil
}

// Get retrieves a room by id.
func (s *Store) Get(id string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Delete evicts a room by id, reporting whether it was present. Idempotent.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[id]; !exists {
		return false
	}
	delete(s.rooms, id)
	return true
}

// Len returns the number of active rooms.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Rooms returns a copy of the active room map, for diagnostics and shutdown.
func (s *Store) Rooms() map[string]*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Room, len(s.rooms))
	for id, r := range s.rooms {
		out[id] = r
	}
	return out
}

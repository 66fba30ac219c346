package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/drblury/backplane/backend"
)

// Store is an in-process key/value collection.
type Store struct {
	mu      sync.RWMutex
	entries map[backend.Key][]byte
	indexed bool
	closed  bool
}

func newStore() *Store {
	return &Store{entries: make(map[backend.Key][]byte)}
}

func (s *Store) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
}

// FindOne returns a copy of the stored value.
func (s *Store) FindOne(_ context.Context, key backend.Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, backend.ErrClosed
	}
	value, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(value), true, nil
}

// Has reports whether key is stored.
func (s *Store) Has(_ context.Context, key backend.Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, backend.ErrClosed
	}
	_, ok := s.entries[key]
	return ok, nil
}

// Upsert stores a copy of value under key.
func (s *Store) Upsert(_ context.Context, key backend.Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	s.entries[key] = bytes.Clone(value)
	return nil
}

// Remove deletes key.
func (s *Store) Remove(_ context.Context, key backend.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// RemoveClient deletes every entry owned by clientID.
func (s *Store) RemoveClient(_ context.Context, clientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, backend.ErrClosed
	}
	var removed int64
	for key := range s.entries {
		if key.ClientID == clientID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// EnsureIndex is a no-op apart from recording the call; map lookups are
// already keyed.
func (s *Store) EnsureIndex(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backend.ErrClosed
	}
	s.indexed = true
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

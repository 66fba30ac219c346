package jetstream

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/drblury/backplane/backend"
)

// Store keeps entries in a key/value bucket under "<client>.<key>", each
// token base64url encoded.
type Store struct {
	kv nats.KeyValue
}

func entryKey(key backend.Key) string {
	return token(key.ClientID) + "." + token(key.Name)
}

// FindOne returns the value stored under key.
func (s *Store) FindOne(_ context.Context, key backend.Key) ([]byte, bool, error) {
	entry, err := s.kv.Get(entryKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key backend.Key) (bool, error) {
	_, found, err := s.FindOne(ctx, key)
	return found, err
}

// Upsert creates or replaces the entry.
func (s *Store) Upsert(_ context.Context, key backend.Key, value []byte) error {
	_, err := s.kv.Put(entryKey(key), value)
	return err
}

// Remove deletes the entry.
func (s *Store) Remove(_ context.Context, key backend.Key) error {
	return s.kv.Delete(entryKey(key))
}

// RemoveClient deletes every entry under the client's prefix.
func (s *Store) RemoveClient(ctx context.Context, clientID string) (int64, error) {
	watcher, err := s.kv.Watch(token(clientID)+".*",
		nats.IgnoreDeletes(),
		nats.MetaOnly(),
		nats.Context(ctx),
	)
	if err != nil {
		return 0, err
	}
	defer watcher.Stop()

	var keys []string
	for entry := range watcher.Updates() {
		// nil marks the end of the current values
		if entry == nil {
			break
		}
		keys = append(keys, entry.Key())
	}

	var removed int64
	for _, k := range keys {
		if err := s.kv.Delete(k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// EnsureIndex is a no-op: bucket keys are the index.
func (s *Store) EnsureIndex(context.Context) error {
	return nil
}

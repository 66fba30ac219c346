package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/drblury/backplane/backend"
)

// Store keeps one document per (key, clientId).
type Store struct {
	coll *mongo.Collection
}

type entryDoc struct {
	Key       string    `bson:"key"`
	ClientID  string    `bson:"clientId"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func filter(key backend.Key) bson.D {
	return bson.D{{Key: "key", Value: key.Name}, {Key: "clientId", Value: key.ClientID}}
}

// FindOne returns the value stored under key.
func (s *Store) FindOne(ctx context.Context, key backend.Key) ([]byte, bool, error) {
	var doc entryDoc
	err := s.coll.FindOne(ctx, filter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Value, true, nil
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key backend.Key) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, filter(key), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Upsert creates or replaces the entry. Two concurrent upserts of a new key
// can race on the unique index; the loser retries once as an update.
func (s *Store) Upsert(ctx context.Context, key backend.Key, value []byte) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "value", Value: value},
		{Key: "updatedAt", Value: time.Now().UTC()},
	}}}
	opts := options.Update().SetUpsert(true)
	_, err := s.coll.UpdateOne(ctx, filter(key), update, opts)
	if mongo.IsDuplicateKeyError(err) {
		_, err = s.coll.UpdateOne(ctx, filter(key), update, opts)
	}
	return err
}

// Remove deletes the entry, along with any duplicate left by a collection
// indexed before the index was unique.
func (s *Store) Remove(ctx context.Context, key backend.Key) error {
	_, err := s.coll.DeleteMany(ctx, filter(key))
	return err
}

// RemoveClient deletes every entry of clientID.
func (s *Store) RemoveClient(ctx context.Context, clientID string) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "clientId", Value: clientID}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// EnsureIndex creates the unique {key: 1, clientId: 1} index and the
// {clientId: 1} index RemoveClient filters on.
func (s *Store) EnsureIndex(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, indexModels())
	return err
}

func indexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}, {Key: "clientId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "clientId", Value: 1}},
		},
	}
}

// Package mongo provides a completion store on a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config locates the collection holding completion records.
type Config struct {
	URI        string
	Database   string
	Collection string
}

type record struct {
	ID        string            `bson:"_id"`
	Mapping   map[string]string `bson:"mapping"`
	UpdatedAt time.Time         `bson:"updated_at"`
}

// CompletionStore keeps the mapping as a single document; ReplaceOne swaps it
// whole, so readers see the old or the new mapping.
type CompletionStore struct {
	coll   *mongo.Collection
	client *mongo.Client
	name   string
	now    func() time.Time
}

// Connect dials MongoDB, pings it, and returns a store for record name.
func Connect(ctx context.Context, cfg Config, name string) (*CompletionStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "tracksync"
	}
	if cfg.Collection == "" {
		cfg.Collection = "completion"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	s := NewCompletionStore(client.Database(cfg.Database).Collection(cfg.Collection), name)
	s.client = client
	return s, nil
}

// NewCompletionStore wraps an existing collection.
func NewCompletionStore(coll *mongo.Collection, name string) *CompletionStore {
	if name == "" {
		name = "default"
	}
	return &CompletionStore{coll: coll, name: name, now: time.Now}
}

// Close disconnects the client when the store owns it.
func (s *CompletionStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect MongoDB: %w", err)
	}
	return nil
}

// Load reads the mapping. A missing document yields an empty mapping.
func (s *CompletionStore) Load(ctx context.Context) (map[string]string, error) {
	var doc record
	err := s.coll.FindOne(ctx, bson.M{"_id": s.name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load completion document: %w", err)
	}
	if doc.Mapping == nil {
		return map[string]string{}, nil
	}
	return doc.Mapping, nil
}

// Save replaces the document with mapping.
func (s *CompletionStore) Save(ctx context.Context, mapping map[string]string) error {
	if mapping == nil {
		mapping = map[string]string{}
	}
	doc := record{ID: s.name, Mapping: mapping, UpdatedAt: s.now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": s.name}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save completion document: %w", err)
	}
	return nil
}

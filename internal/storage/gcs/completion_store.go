package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// DefaultCompletionObject is the completion record's object name.
const DefaultCompletionObject = "tracksync-completed.json"

// CompletionStore keeps the completion mapping in a single JSON object. Object
// writes are atomic, so a Save either fully replaces the record or leaves it.
type CompletionStore struct {
	client *storage.Client
	cfg    Config
	name   string
}

// NewCompletionStore returns a store for object under cfg.
func NewCompletionStore(client *storage.Client, cfg Config, object string) (*CompletionStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(object) == "" {
		object = DefaultCompletionObject
	}
	return &CompletionStore{client: client, cfg: cfg, name: cfg.object(object)}, nil
}

// Load reads the mapping. A missing object yields an empty mapping.
func (s *CompletionStore) Load(ctx context.Context) (map[string]string, error) {
	r, err := s.handle().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open completion object: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read completion object: %w", err)
	}
	out := map[string]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode completion object: %w", err)
	}
	return out, nil
}

// Save replaces the object with mapping.
func (s *CompletionStore) Save(ctx context.Context, mapping map[string]string) error {
	if mapping == nil {
		mapping = map[string]string{}
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("encode completion object: %w", err)
	}
	if err := write(ctx, s.handle(), "application/json", data); err != nil {
		return fmt.Errorf("save completion object: %w", err)
	}
	return nil
}

func (s *CompletionStore) handle() *storage.ObjectHandle {
	return s.client.Bucket(s.cfg.Bucket).Object(s.name)
}

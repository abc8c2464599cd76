package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// DefaultCompletionFile is the store's file name inside the library directory.
const DefaultCompletionFile = ".tracksync-completed.json"

// CompletionStore keeps the completion mapping in a JSON file. Every Save
// rewrites the whole file through a rename so readers never see a partial write.
type CompletionStore struct {
	path string
}

// NewCompletionStore returns a store backed by the file at path.
func NewCompletionStore(path string) (*CompletionStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("completion file path is required")
	}
	return &CompletionStore{path: path}, nil
}

// Path returns the backing file path.
func (s *CompletionStore) Path() string {
	return s.path
}

// Load reads the mapping. A missing file yields an empty mapping.
func (s *CompletionStore) Load(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read completion file: %w", err)
	}
	out := map[string]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode completion file: %w", err)
	}
	return out, nil
}

// Save replaces the file with mapping.
func (s *CompletionStore) Save(_ context.Context, mapping map[string]string) error {
	if mapping == nil {
		mapping = map[string]string{}
	}
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("encode completion file: %w", err)
	}
	if err := writeAtomic(s.path, append(data, '\n')); err != nil {
		return fmt.Errorf("save completion file: %w", err)
	}
	return nil
}

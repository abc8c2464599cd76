package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	name := s.cfg.object(path)
	if err := write(ctx, s.client.Bucket(s.cfg.Bucket).Object(name), contentType, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name), nil
}

func write(ctx context.Context, obj *storage.ObjectHandle, contentType string, data []byte) error {
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", obj.ObjectName(), err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", obj.ObjectName(), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", obj.ObjectName(), err)
	}
	return nil
}

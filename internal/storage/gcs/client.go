// Package gcs implements Google Cloud Storage backed stores: a blob store for
// manifests, a JSON completion store, and an artifact probe.
package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config captures the parameters required to address a bucket.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// NewClient creates a storage client and verifies the bucket is reachable so
// misconfiguration fails at startup. Authentication uses Application Default
// Credentials unless opts override it.
func NewClient(ctx context.Context, bucket string, logger *zap.Logger, opts ...option.ClientOption) (*storage.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", bucket, err)
	}
	return client, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("bucket name is required")
	}
	return nil
}

func (c Config) object(name string) string {
	if c.Prefix == "" {
		return name
	}
	return path.Join(c.Prefix, name)
}

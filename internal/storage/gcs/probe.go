package gcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Probe finds artifacts in a bucket under any acceptable extension. Answers
// keep the candidate's form, without the configured prefix.
type Probe struct {
	client     *storage.Client
	cfg        Config
	extensions []string
	logger     *zap.Logger
}

// NewProbe creates a Probe. Extensions may be given with or without a dot.
func NewProbe(client *storage.Client, cfg Config, extensions []string, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	exts := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	return &Probe{client: client, cfg: cfg, extensions: exts, logger: logger}
}

// Resolve implements tracks.ArtifactProbe. A failed lookup reads as missing.
func (p *Probe) Resolve(ctx context.Context, candidate string) (string, bool) {
	locator, ok, err := p.Check(ctx, candidate)
	if err != nil {
		p.logger.Warn("artifact lookup failed", zap.String("candidate", candidate), zap.Error(err))
		return "", false
	}
	return locator, ok
}

// Check implements tracks.ArtifactChecker. Only storage.ErrObjectNotExist
// counts as missing; any other error stops the lookup.
func (p *Probe) Check(ctx context.Context, candidate string) (string, bool, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || p.client == nil {
		return "", false, nil
	}
	found, err := p.exists(ctx, candidate)
	if err != nil || found {
		return candidate, found, err
	}
	base := candidate
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(candidate), "."))
	for _, known := range p.extensions {
		if ext == known {
			base = strings.TrimSuffix(candidate, path.Ext(candidate))
			break
		}
	}
	for _, ext := range p.extensions {
		alt := base + "." + ext
		found, err := p.exists(ctx, alt)
		if err != nil {
			return "", false, err
		}
		if found {
			return alt, true, nil
		}
	}
	return "", false, nil
}

func (p *Probe) exists(ctx context.Context, name string) (bool, error) {
	_, err := p.client.Bucket(p.cfg.Bucket).Object(p.cfg.object(name)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
}

package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtensions lists the audio containers a previous run may have produced.
var DefaultExtensions = []string{"mp3", "m4a", "opus", "ogg", "webm", "flac", "wav", "aac"}

// Probe finds artifacts on disk under any acceptable extension. Relative
// candidates are resolved against Root and answers keep the candidate's form.
type Probe struct {
	root       string
	extensions []string
}

// NewProbe creates a Probe. Extensions may be given with or without a dot.
func NewProbe(root string, extensions []string) *Probe {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	return &Probe{root: root, extensions: exts}
}

// Resolve implements tracks.ArtifactProbe.
func (p *Probe) Resolve(_ context.Context, candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}
	if p.isFile(candidate) {
		return candidate, true
	}
	base := p.stripKnownExt(candidate)
	for _, ext := range p.extensions {
		alt := base + "." + ext
		if p.isFile(alt) {
			return alt, true
		}
	}
	return "", false
}

func (p *Probe) stripKnownExt(candidate string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(candidate), "."))
	for _, known := range p.extensions {
		if ext == known {
			return strings.TrimSuffix(candidate, filepath.Ext(candidate))
		}
	}
	return candidate
}

func (p *Probe) isFile(locator string) bool {
	path := locator
	if !filepath.IsAbs(path) && p.root != "" {
		path = filepath.Join(p.root, path)
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Package manifest renders extended M3U playlists for finished runs and stores
// them through a tracks.BlobStore.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

const contentType = "audio/x-mpegurl"

// Entry is one playlist line.
type Entry struct {
	Title       string
	Artists     string
	DurationSec int
	Locator     string
}

// Config configures a Writer.
//   - Dir: directory within the blob store that receives manifests.
//   - LocatorPrefix: prepended to relative locators so they resolve from Dir
//     (for example "../" when Dir sits one level under the library root).
type Config struct {
	Dir           string
	LocatorPrefix string
}

// Writer stores manifests through a BlobStore.
type Writer struct {
	blobs  tracks.BlobStore
	cfg    Config
	linker *Linker
	logger *zap.Logger
}

// NewWriter constructs a Writer.
func NewWriter(blobs tracks.BlobStore, cfg Config) *Writer {
	return &Writer{blobs: blobs, cfg: cfg, logger: zap.NewNop()}
}

// WithLinker links each written playlist's tracks through l. Link failures are
// logged; the manifest itself still counts as written.
func (w *Writer) WithLinker(l *Linker, logger *zap.Logger) *Writer {
	w.linker = l
	if logger != nil {
		w.logger = logger
	}
	return w
}

// Write renders entries under "<label>.m3u" and returns the stored URI. No file
// is written when entries is empty.
func (w *Writer) Write(ctx context.Context, label string, entries []Entry) (string, error) {
	if w == nil || w.blobs == nil {
		return "", fmt.Errorf("manifest writer is not configured")
	}
	if len(entries) == 0 {
		return "", nil
	}
	name := tracks.SanitizeName(label)
	if name == "" {
		return "", fmt.Errorf("manifest label is required")
	}
	key := name + ".m3u"
	if w.cfg.Dir != "" {
		key = path.Join(w.cfg.Dir, key)
	}
	uri, err := w.blobs.PutObject(ctx, key, contentType, Render(entries, w.cfg.LocatorPrefix))
	if err != nil {
		return "", fmt.Errorf("write manifest %q: %w", key, err)
	}
	if w.linker != nil {
		n, err := w.linker.Link(label, entries)
		if err != nil {
			w.logger.Warn("playlist links incomplete", zap.String("label", label), zap.Int("linked", n), zap.Error(err))
		}
	}
	return uri, nil
}

// Render produces the extended M3U body.
func Render(entries []Entry, prefix string) []byte {
	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	for _, e := range entries {
		if e.Locator == "" {
			continue
		}
		duration := e.DurationSec
		if duration <= 0 {
			duration = -1
		}
		fmt.Fprintf(&buf, "#EXTINF:%d,%s\n", duration, label(e))
		buf.WriteString(locator(e.Locator, prefix))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func label(e Entry) string {
	title := oneLine(e.Title)
	artists := oneLine(e.Artists)
	switch {
	case artists == "":
		return title
	case title == "":
		return artists
	default:
		return artists + " - " + title
	}
}

func locator(loc, prefix string) string {
	loc = strings.ReplaceAll(loc, "\\", "/")
	if prefix == "" || path.IsAbs(loc) || strings.Contains(loc, "://") {
		return loc
	}
	return prefix + loc
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

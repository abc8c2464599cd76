// Package csvinput reads track lists exported as CSV (Exportify layout).
package csvinput

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

// Column headers recognised in the export.
const (
	ColumnTitle      = "Track Name"
	ColumnArtists    = "Artist Name(s)"
	ColumnArtist     = "Artist Name"
	ColumnAlbum      = "Album Name"
	ColumnDurationMs = "Duration (ms)"
	ColumnTrackURI   = "Track URI"
)

// Source is a replayable InputSource over a CSV file. Every Read reopens the
// file, so the source can be shared by several runs.
type Source struct {
	path string
	open func() (io.ReadCloser, error)
}

// New returns a Source for the file at path.
func New(path string) *Source {
	return &Source{
		path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// FromReader returns a Source over an in-memory document.
func FromReader(name string, data []byte) *Source {
	return &Source{
		path: name,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(string(data))), nil
		},
	}
}

// Label is the file name without extension.
func (s *Source) Label(context.Context) (string, bool) {
	base := filepath.Base(s.path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return name, name != "" && name != "."
}

// Read returns up to max rows starting at the 1-based offset.
func (s *Source) Read(ctx context.Context, offset, max int) ([]tracks.Item, error) {
	if offset < 1 {
		return nil, fmt.Errorf("%w: offset must be >= 1, got %d", tracks.ErrInput, offset)
	}
	var items []tracks.Item
	err := s.scan(ctx, func(item tracks.Item) bool {
		if item.Position < offset {
			return true
		}
		items = append(items, item)
		return max <= 0 || len(items) < max
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SizeHint counts the data rows.
func (s *Source) SizeHint(ctx context.Context) (int, bool) {
	n := 0
	if err := s.scan(ctx, func(tracks.Item) bool { n++; return true }); err != nil {
		return 0, false
	}
	return n, true
}

func (s *Source) scan(ctx context.Context, yield func(tracks.Item) bool) error {
	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", tracks.ErrInput, s.path, err)
	}
	defer func() { _ = rc.Close() }()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s is empty", tracks.ErrInput, s.path)
		}
		return fmt.Errorf("%w: read header: %w", tracks.ErrInput, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", tracks.ErrInput, s.path, err)
	}

	for pos := 1; ; pos++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("csv read canceled: %w", err)
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: row %d: %w", tracks.ErrInput, pos, err)
		}
		if !yield(cols.item(pos, record)) {
			return nil
		}
	}
}

type columns struct {
	title, artists, album, duration, uri int
}

func mapColumns(header []string) (columns, error) {
	cols := columns{title: -1, artists: -1, album: -1, duration: -1, uri: -1}
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case ColumnTitle:
			cols.title = i
		case ColumnArtists:
			cols.artists = i
		case ColumnArtist:
			if cols.artists < 0 {
				cols.artists = i
			}
		case ColumnAlbum:
			cols.album = i
		case ColumnDurationMs:
			cols.duration = i
		case ColumnTrackURI:
			cols.uri = i
		}
	}
	if cols.title < 0 || cols.artists < 0 {
		return cols, fmt.Errorf("missing %q or %q column", ColumnTitle, ColumnArtists)
	}
	return cols, nil
}

func (c columns) item(pos int, record []string) tracks.Item {
	item := tracks.Item{
		Position: pos,
		Title:    field(record, c.title),
		Artists:  field(record, c.artists),
		Album:    field(record, c.album),
		SourceID: field(record, c.uri),
	}
	if ms, err := strconv.Atoi(field(record, c.duration)); err == nil && ms > 0 {
		item.DurationMs = ms
	}
	return item
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

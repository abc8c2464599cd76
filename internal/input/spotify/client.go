// Package spotify reads playlist tracks from the Spotify Web API using the
// client-credentials flow.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	// DefaultTokenURL is the Spotify accounts token endpoint.
	DefaultTokenURL = "https://accounts.spotify.com/api/token"
	// DefaultAPIBaseURL is the Spotify Web API root.
	DefaultAPIBaseURL = "https://api.spotify.com/v1"
	// MaxPageSize is the largest page the playlist tracks endpoint serves.
	MaxPageSize = 100
)

// Config holds Spotify client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
	PageSize     int
	Timeout      time.Duration
	// HTTPClient is the transport used for both token and API calls.
	HTTPClient *http.Client
}

// Source is an InputSource over one playlist.
type Source struct {
	playlistID string
	baseURL    string
	pageSize   int
	client     *http.Client

	metaOnce sync.Once
	meta     playlistMeta
	metaErr  error
}

type playlistMeta struct {
	Name   string `json:"name"`
	Tracks struct {
		Total int `json:"total"`
	} `json:"tracks"`
}

type tracksPage struct {
	Items []struct {
		Track *apiTrack `json:"track"`
	} `json:"items"`
	Total int     `json:"total"`
	Next  *string `json:"next"`
}

type apiTrack struct {
	Name       string `json:"name"`
	URI        string `json:"uri"`
	DurationMS int    `json:"duration_ms"`
	IsLocal    bool   `json:"is_local"`
	Type       string `json:"type"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
}

// New builds a Source for a playlist reference: a bare ID, a spotify:playlist
// URI, or an open.spotify.com link. Missing credentials are reported as
// ErrProviderAuth.
func New(ctx context.Context, cfg Config, playlist string) (*Source, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: spotify client id and secret are required", tracks.ErrProviderAuth)
	}
	id, err := ParsePlaylistID(playlist)
	if err != nil {
		return nil, err
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	client := cc.Client(context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base))
	client.Timeout = cfg.Timeout

	return &Source{
		playlistID: id,
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		pageSize:   cfg.PageSize,
		client:     client,
	}, nil
}

// ParsePlaylistID extracts the playlist ID from the accepted reference forms.
func ParsePlaylistID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", fmt.Errorf("%w: playlist reference is empty", tracks.ErrInput)
	case strings.HasPrefix(ref, "spotify:playlist:"):
		ref = strings.TrimPrefix(ref, "spotify:playlist:")
	case strings.Contains(ref, "://"):
		u, err := url.Parse(ref)
		if err != nil {
			return "", fmt.Errorf("%w: playlist url: %w", tracks.ErrInput, err)
		}
		_, after, ok := strings.Cut(u.Path, "/playlist/")
		if !ok {
			return "", fmt.Errorf("%w: %q is not a playlist url", tracks.ErrInput, ref)
		}
		ref = strings.Trim(after, "/")
	}
	if ref == "" || strings.ContainsAny(ref, "/?#: ") {
		return "", fmt.Errorf("%w: invalid playlist id %q", tracks.ErrInput, ref)
	}
	return ref, nil
}

// Label returns the playlist name.
func (s *Source) Label(ctx context.Context) (string, bool) {
	meta, err := s.metadata(ctx)
	if err != nil || meta.Name == "" {
		return "", false
	}
	return meta.Name, true
}

// SizeHint returns the playlist's track total, including entries that Read
// later drops.
func (s *Source) SizeHint(ctx context.Context) (int, bool) {
	meta, err := s.metadata(ctx)
	if err != nil {
		return 0, false
	}
	return meta.Tracks.Total, true
}

// Read pages through the playlist from the 1-based offset. Positions follow
// the playlist, so dropped entries leave gaps.
func (s *Source) Read(ctx context.Context, offset, max int) ([]tracks.Item, error) {
	if offset < 1 {
		return nil, fmt.Errorf("%w: offset must be >= 1, got %d", tracks.ErrInput, offset)
	}
	var items []tracks.Item
	cursor := offset - 1
	for {
		page, err := s.page(ctx, cursor, s.pageLimit(max, cursor-(offset-1)))
		if err != nil {
			return nil, err
		}
		for i, entry := range page.Items {
			if item, ok := toItem(entry.Track, cursor+i+1); ok {
				items = append(items, item)
			}
		}
		cursor += len(page.Items)
		if page.Next == nil || len(page.Items) == 0 || cursor >= page.Total {
			return items, nil
		}
		if max > 0 && cursor-(offset-1) >= max {
			return items, nil
		}
	}
}

// pageLimit keeps the last page from overshooting max rows.
func (s *Source) pageLimit(max, consumed int) int {
	if max <= 0 {
		return s.pageSize
	}
	return min(s.pageSize, max-consumed)
}

func (s *Source) metadata(ctx context.Context) (playlistMeta, error) {
	s.metaOnce.Do(func() {
		q := url.Values{"fields": {"name,tracks.total"}}
		s.metaErr = s.get(ctx, "/playlists/"+url.PathEscape(s.playlistID), q, &s.meta)
	})
	return s.meta, s.metaErr
}

func (s *Source) page(ctx context.Context, offset, limit int) (tracksPage, error) {
	q := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	var page tracksPage
	err := s.get(ctx, "/playlists/"+url.PathEscape(s.playlistID)+"/tracks", q, &page)
	return page, err
}

func (s *Source) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", tracks.ErrInput, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return fmt.Errorf("%w: spotify token: %w", tracks.ErrProviderAuth, err)
		}
		return fmt.Errorf("%w: spotify request: %w", tracks.ErrInput, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: spotify api status %d", tracks.ErrProviderAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: spotify api status %d for %s", tracks.ErrInput, resp.StatusCode, endpoint)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode spotify response: %w", tracks.ErrInput, err)
	}
	return nil
}

func toItem(t *apiTrack, position int) (tracks.Item, bool) {
	if t == nil || t.IsLocal || (t.Type != "" && t.Type != "track") {
		return tracks.Item{}, false
	}
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return tracks.Item{
		Position:   position,
		Title:      t.Name,
		Artists:    strings.Join(names, ", "),
		Album:      t.Album.Name,
		SourceID:   t.URI,
		DurationMs: t.DurationMS,
	}, true
}

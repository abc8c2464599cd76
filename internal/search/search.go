// Package search holds the pieces shared by the search providers: result
// page URLs and candidate extraction from a YouTube results page.
package search

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

const (
	// DefaultBaseURL is the site whose results page is scraped.
	DefaultBaseURL = "https://www.youtube.com"
	// DefaultUserAgent is sent when none is configured.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

var videoIDPattern = regexp.MustCompile(`"videoId":"([A-Za-z0-9_-]{11})"|/watch\?v=([A-Za-z0-9_-]{11})`)

// ResultsURL returns the results page for terms under base.
func ResultsURL(base, terms string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/results?" + url.Values{"search_query": {terms}}.Encode()
}

// WatchURL returns the canonical watch URL for a video ID.
func WatchURL(base, id string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/watch?v=" + id
}

// Candidates lists the distinct video IDs in a results page, in page order.
func Candidates(body []byte) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range videoIDPattern.FindAllSubmatch(body, -1) {
		id := string(m[1])
		if id == "" {
			id = string(m[2])
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// FirstTarget returns the top result of a results page as a fetch target.
func FirstTarget(base string, body []byte) (tracks.Target, error) {
	ids := Candidates(body)
	if len(ids) == 0 {
		return tracks.Target{}, tracks.ErrNoCandidate
	}
	return tracks.Target{URL: WatchURL(base, ids[0])}, nil
}

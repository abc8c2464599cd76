package tracks

import (
	"strings"
	"unicode/utf8"
)

const maxArtifactNameBytes = 180

// Key derives the stable identity of the item. Title and artists are
// required; the album participates only when includeAlbum is set. The result
// is empty when a required field is missing.
func (it Item) Key(includeAlbum bool) string {
	title := normalizeField(it.Title)
	artists := normalizeField(it.Artists)
	if title == "" || artists == "" {
		return ""
	}
	parts := []string{title, artists}
	if includeAlbum {
		parts = append(parts, normalizeField(it.Album))
	}
	return strings.Join(parts, "|")
}

// Query builds the free-text search terms for the item. The trailing "audio"
// biases providers away from music videos.
func (it Item) Query(includeAlbum bool) string {
	if it.Key(includeAlbum) == "" {
		return ""
	}
	parts := []string{it.Title, it.Artists}
	if includeAlbum && strings.TrimSpace(it.Album) != "" {
		parts = append(parts, it.Album)
	}
	parts = append(parts, "audio")
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// Describe is a short human label used in progress events.
func (it Item) Describe() string {
	title := strings.TrimSpace(it.Title)
	artists := strings.TrimSpace(it.Artists)
	switch {
	case title == "" && artists == "":
		return "(untitled)"
	case artists == "":
		return title
	case title == "":
		return artists
	default:
		return artists + " - " + title
	}
}

// ArtifactName is the planned base name, without extension, under which the
// fetch provider writes the item's artifact and the probe looks for it.
func ArtifactName(it Item) string {
	name := SanitizeName(strings.TrimSpace(it.Artists) + " - " + strings.TrimSpace(it.Title))
	if name == "-" || name == "" {
		return ""
	}
	return name
}

// SanitizeName replaces path separators and reserved characters so the result
// is safe as a single file name on common filesystems.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < 0x20:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(strings.Join(strings.Fields(b.String()), " "), ". ")
	for len(out) > maxArtifactNameBytes {
		_, size := utf8.DecodeLastRuneInString(out)
		out = out[:len(out)-size]
	}
	return out
}

func normalizeField(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

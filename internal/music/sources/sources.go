// Package sources knows the search providers behind engine identifiers:
// which prefix asks a node to search which provider, how to tell which
// provider a resolved track came from, and how to read failure messages.
package sources

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/kkdai/youtube/v2"
)

const (
	SourceYouTube    = "youtube"
	SourceSoundCloud = "soundcloud"
	SourceSpotify    = "spotify"
)

var ErrEmptyQuery = errors.New("empty query")

// Source is a search provider reachable through an engine node.
type Source struct {
	Name         string
	SearchPrefix string
	Hosts        []string
}

var known = map[string]Source{
	SourceYouTube: {
		Name:         SourceYouTube,
		SearchPrefix: "ytsearch:",
		Hosts:        []string{"youtube.com", "youtu.be", "music.youtube.com"},
	},
	SourceSoundCloud: {
		Name:         SourceSoundCloud,
		SearchPrefix: "scsearch:",
		Hosts:        []string{"soundcloud.com"},
	},
	SourceSpotify: {
		Name:         SourceSpotify,
		SearchPrefix: "spsearch:",
		Hosts:        []string{"open.spotify.com"},
	},
}

// Lookup returns a known source by name.
func Lookup(name string) (Source, bool) {
	s, ok := known[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// WithPrefix returns a copy of s using prefix when it is non-empty.
func (s Source) WithPrefix(prefix string) Source {
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		if !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		s.SearchPrefix = prefix
	}
	return s
}

// Owns reports whether a track with sourceName and uri belongs to s.
func (s Source) Owns(sourceName, uri string) bool {
	if s.Name == "" {
		return false
	}
	if strings.Contains(strings.ToLower(sourceName), s.Name) {
		return true
	}
	host := hostOf(uri)
	if host == "" {
		return false
	}
	for _, h := range s.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Search builds a search identifier for query on s.
func (s Source) Search(query string) string {
	return s.SearchPrefix + strings.TrimSpace(query)
}

var (
	urlPattern      = regexp.MustCompile(`(?i)^https?://\S+`)
	prefixedPattern = regexp.MustCompile(`(?i)^(ytsearch:|ytmsearch:|scsearch:|spsearch:)`)
)

// IsURL reports whether q looks like an http(s) URL.
func IsURL(q string) bool {
	return urlPattern.MatchString(strings.TrimSpace(q))
}

// HasSearchPrefix reports whether q already names a search provider.
func HasSearchPrefix(q string) bool {
	return prefixedPattern.MatchString(strings.TrimSpace(q))
}

// Normalize turns a user query into an engine identifier. URLs and
// explicitly prefixed queries pass through untouched, so playlist and
// timestamp parameters reach the engine; anything else gets defaultPrefix.
func Normalize(query, defaultPrefix string) (string, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", ErrEmptyQuery
	}
	if HasSearchPrefix(q) || IsURL(q) {
		return q, nil
	}
	return defaultPrefix + q, nil
}

// VideoID returns the YouTube id of a track, preferring the engine
// identifier and falling back to parsing the URI.
func VideoID(identifier, uri string) string {
	if identifier != "" {
		return identifier
	}
	if uri == "" || !known[SourceYouTube].Owns("", uri) {
		return ""
	}
	id, err := youtube.ExtractVideoID(uri)
	if err != nil {
		return ""
	}
	return id
}

var (
	unavailablePattern = regexp.MustCompile(`(?i)(unavailable|private|copyright|age|restricted|blocked|forbidden|sign in|not available)`)
	transientPattern   = regexp.MustCompile(`(?i)(timeout|abort|closed|reset|unavailable|forbidden|403|404|error|exception|failed)`)
)

// LooksUnavailable reports whether a playback failure message describes
// content the provider refuses to serve.
func LooksUnavailable(msg string) bool {
	return unavailablePattern.MatchString(msg)
}

// LooksTransient reports whether a playback failure message looks like a
// network or node problem rather than a property of the track.
func LooksTransient(msg string) bool {
	return transientPattern.MatchString(msg)
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
}

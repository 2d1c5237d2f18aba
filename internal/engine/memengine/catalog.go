package memengine

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/keshon/multiroom/internal/engine"
)

var searchSources = map[string]string{
	"ytsearch":  "youtube",
	"ytmsearch": "youtube",
	"scsearch":  "soundcloud",
	"spsearch":  "spotify",
}

// StaticCatalog resolves identifiers from a fixed map.
func StaticCatalog(entries map[string]*engine.LoadResult) Catalog {
	return func(identifier string) *engine.LoadResult {
		return entries[identifier]
	}
}

// EchoCatalog fabricates results: "<src>search:q" yields a ranked list of
// size results titled after q, a URL yields a single track.
func EchoCatalog(size int) Catalog {
	if size < 1 {
		size = 1
	}
	return func(identifier string) *engine.LoadResult {
		if prefix, query, ok := strings.Cut(identifier, ":"); ok {
			if src, known := searchSources[strings.ToLower(prefix)]; known {
				query = strings.TrimSpace(query)
				if query == "" {
					return &engine.LoadResult{Type: engine.LoadEmpty}
				}
				tracks := make([]engine.Track, 0, size)
				for i := 0; i < size; i++ {
					tracks = append(tracks, SimTrack(src, fmt.Sprintf("%s-%d", slug(query), i), query))
				}
				return &engine.LoadResult{Type: engine.LoadSearch, Tracks: tracks}
			}
		}

		u, err := url.Parse(identifier)
		if err != nil || u.Host == "" {
			return &engine.LoadResult{Type: engine.LoadEmpty}
		}
		src := "http"
		switch {
		case strings.Contains(u.Host, "soundcloud"):
			src = "soundcloud"
		case strings.Contains(u.Host, "youtu"):
			src = "youtube"
		}
		t := SimTrack(src, slug(u.Host+u.Path), strings.Trim(u.Path, "/"))
		t.Info.URI = identifier
		return &engine.LoadResult{Type: engine.LoadTrack, Tracks: []engine.Track{t}}
	}
}

// SimTrack builds a synthetic track for source with a stable identifier.
func SimTrack(source, id, title string) engine.Track {
	uri := fmt.Sprintf("https://%s.example/%s", source, id)
	switch source {
	case "youtube":
		uri = "https://www.youtube.com/watch?v=" + id
	case "soundcloud":
		uri = "https://soundcloud.com/sim/" + id
	}
	return engine.Track{
		Encoded: fmt.Sprintf("sim:%s:%s", source, id),
		Info: engine.TrackInfo{
			Identifier: id,
			Title:      title,
			URI:        uri,
			Author:     "sim",
			Length:     3 * time.Minute,
			SourceName: source,
		},
	}
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

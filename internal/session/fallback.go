package session

import (
	"context"
	"strings"

	"github.com/keshon/multiroom/internal/metrics"
	"github.com/keshon/multiroom/internal/music/sources"
)

func (s *Session) isPrimarySourceItem(it Item) bool {
	return s.opts.PrimarySource.Owns(it.SourceName, it.URI)
}

func (s *Session) isFallbackSourceItem(it Item) bool {
	return s.opts.FallbackSource.Owns(it.SourceName, it.URI)
}

// ensurePlayable swaps a primary-source item for a fallback search result
// when this session cannot reach the primary node. Without a replacement
// the item is returned as is.
func (s *Session) ensurePlayable(ctx context.Context, item Item) Item {
	if !s.opts.PrimarySourceFallback || !s.isPrimarySourceItem(item) {
		return item
	}
	if s.primaryLive() && s.onPrimary() {
		return item
	}
	if alt, ok := s.searchReplacement(ctx, item, s.opts.ConvertTake, ""); ok {
		metrics.Replacements.WithLabelValues("primary_unavailable").Inc()
		s.log.Warn().Str("from", item.Title).Str("to", alt.Title).Msg("primary source unreachable, switching to fallback source")
		return alt
	}
	return item
}

// searchReplacement searches the fallback source for the item's title and
// author and returns the first of the top take results that has not failed
// in this session and is not exclude.
func (s *Session) searchReplacement(ctx context.Context, item Item, take int, exclude string) (Item, bool) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return Item{}, false
	}
	query := title
	if item.Author != "" {
		query += " " + item.Author
	}

	b, err := s.EnsureConnected(ctx)
	if err != nil {
		return Item{}, false
	}
	res, err := s.resolveOn(ctx, b, s.opts.FallbackSource.Search(query))
	if err != nil {
		s.log.Debug().Err(err).Str("query", query).Msg("replacement search")
		return Item{}, false
	}

	tracks := res.Tracks
	if len(tracks) > take {
		tracks = tracks[:take]
	}
	for _, t := range tracks {
		if t.Encoded == "" {
			continue
		}
		id := sources.VideoID(t.Info.Identifier, t.Info.URI)
		if id != "" && (s.hasFailed(id) || id == exclude) {
			continue
		}
		return NewItem(t, item.Requester, item.Playlist), true
	}
	return Item{}, false
}

func (s *Session) hasFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[id]
	return ok
}

// Failed reports whether id failed to play in this session.
func (s *Session) Failed(id string) bool { return s.hasFailed(id) }

// handleFailure reacts to an exception or stuck event for the current item.
// Overlapping failures are dropped while one is being handled.
func (s *Session) handleFailure(ctx context.Context, detail string) {
	if !s.handling.CompareAndSwap(false, true) {
		s.log.Debug().Msg("failure already being handled")
		return
	}
	defer s.handling.Store(false)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.replaceFailedLocked(ctx, detail); err != nil {
		s.log.Error().Err(err).Msg("failure handling failed, advancing")
		if err := s.playNextLocked(ctx, true); err != nil {
			s.log.Warn().Err(err).Msg("advance after failure")
		}
	}
}

// replaceFailedLocked remembers the failed item and plays a replacement
// when one can be found. Otherwise it advances the queue: a looping track
// that just failed is never replayed.
func (s *Session) replaceFailedLocked(ctx context.Context, detail string) error {
	s.mu.Lock()
	var cur *Item
	if s.current != nil {
		cp := *s.current
		cur = &cp
		if id := cp.ID(); id != "" {
			s.failed[id] = struct{}{}
		}
	}
	s.mu.Unlock()

	if cur != nil {
		if s.opts.PrimarySourceFallback && s.isPrimarySourceItem(*cur) &&
			(!s.primaryLive() || !s.onPrimary() || sources.LooksTransient(detail)) {
			if alt, ok := s.searchReplacement(ctx, *cur, s.opts.ExceptionTake, cur.ID()); ok {
				metrics.Replacements.WithLabelValues("primary_failed").Inc()
				s.log.Warn().Str("from", cur.Title).Str("to", alt.Title).Msg("primary source failed, trying fallback source")
				return s.playLocked(ctx, alt)
			}
		}

		if sources.LooksUnavailable(detail) {
			if alt, ok := s.searchReplacement(ctx, *cur, s.opts.AlternativeTake, cur.ID()); ok {
				metrics.Replacements.WithLabelValues("unavailable").Inc()
				s.log.Warn().Str("from", cur.Title).Str("to", alt.Title).Msg("item unavailable, trying another result")
				return s.playLocked(ctx, alt)
			}
		}
	}
	return s.playNextLocked(ctx, true)
}

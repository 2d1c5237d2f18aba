package session

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/music/sources"
)

// Resolve looks a query up on the bound node without touching the queue.
// Plain text is searched on the primary source while bound to the live
// primary node, on the fallback source otherwise.
func (s *Session) Resolve(ctx context.Context, query string) (*Result, error) {
	b, err := s.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	identifier, err := sources.Normalize(query, s.defaultPrefix())
	if err != nil {
		return nil, err
	}
	return s.resolveOn(ctx, b, identifier)
}

func (s *Session) resolveOn(ctx context.Context, b engine.Binding, identifier string) (*Result, error) {
	node := b.Node()
	if node == nil {
		return nil, ErrNotConnected
	}
	res, err := node.Resolve(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResolveError, err)
	}
	if res == nil {
		return nil, ErrResolveEmpty
	}

	out := &Result{Type: res.Type, Tracks: res.Tracks}
	switch res.Type {
	case engine.LoadError:
		return nil, fmt.Errorf("%w: %s", ErrResolveError, res.Error)
	case engine.LoadEmpty:
		return nil, ErrResolveEmpty
	case engine.LoadPlaylist:
		out.PlaylistName = res.PlaylistName
		if out.PlaylistName == "" {
			out.PlaylistName = "Playlist"
		}
	}
	if len(out.Tracks) == 0 {
		return nil, ErrResolveEmpty
	}
	return out, nil
}

// AddOptions tunes Add.
type AddOptions struct {
	// SearchTake is how many search results to queue; 0 uses the session default.
	SearchTake int
}

// Add resolves query and appends the result to the queue. A search queues
// its first results, a playlist queues everything.
func (s *Session) Add(ctx context.Context, query, requester string, opts AddOptions) (AddResult, error) {
	res, err := s.Resolve(ctx, query)
	if err != nil {
		return AddResult{}, err
	}

	tracks := res.Tracks
	if res.Type == engine.LoadSearch {
		take := opts.SearchTake
		if take <= 0 {
			take = s.opts.SearchTake
		}
		if len(tracks) > take {
			tracks = tracks[:take]
		}
	}

	items := make([]Item, 0, len(tracks))
	for _, t := range tracks {
		if t.Encoded == "" {
			continue
		}
		items = append(items, NewItem(t, requester, res.PlaylistName))
	}
	if len(items) == 0 {
		return AddResult{}, ErrInvalidTrack
	}

	s.mu.Lock()
	s.queue = append(s.queue, items...)
	s.mu.Unlock()
	s.notify()

	return AddResult{Added: len(items), Playlist: res.Type == engine.LoadPlaylist}, nil
}

// AddTrack queues an already resolved track.
func (s *Session) AddTrack(t engine.Track, requester, playlist string) error {
	if t.Encoded == "" {
		return ErrInvalidTrack
	}
	item := NewItem(t, requester, playlist)
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.notify()
	return nil
}

// CycleLoop moves the loop mode off → track → queue → off.
func (s *Session) CycleLoop() RepeatMode {
	s.mu.Lock()
	s.repeat = s.repeat.Next()
	m := s.repeat
	s.mu.Unlock()
	s.notify()
	return m
}

// Shuffle permutes the pending queue. The current item stays.
func (s *Session) Shuffle() {
	s.mu.Lock()
	for i := len(s.queue) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
	}
	s.mu.Unlock()
	s.notify()
}

const upcomingLimit = 10

// Status returns what a panel shows.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Paused:     s.paused,
		Repeat:     s.repeat,
		NodeName:   nodeName(s.binding),
		TotalQueue: len(s.queue),
		NodeDown:   s.nodeDown,
	}
	if s.binding != nil {
		st.Position = s.binding.Position()
	}
	if cur := s.current; cur != nil {
		st.Current = &NowPlaying{
			Title:      cur.Title,
			URI:        cur.URI,
			Author:     cur.Author,
			Requester:  cur.Requester,
			Length:     cur.Length,
			ArtworkURL: cur.ArtworkURL,
		}
	}
	n := min(len(s.queue), upcomingLimit)
	st.Upcoming = make([]Upcoming, 0, n)
	for _, it := range s.queue[:n] {
		st.Upcoming = append(st.Upcoming, Upcoming{Title: it.Title, URI: it.URI, Requester: it.Requester})
	}
	return st
}

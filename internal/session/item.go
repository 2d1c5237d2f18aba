package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/music/sources"
)

// Item is a queued playable track with its requester.
type Item struct {
	Encoded    string
	Identifier string
	Title      string
	URI        string
	Author     string
	Length     time.Duration
	ArtworkURL string
	SourceName string
	Requester  string
	Playlist   string
}

// NewItem converts a resolved engine track.
func NewItem(t engine.Track, requester, playlist string) Item {
	title := t.Info.Title
	if title == "" {
		title = "Unknown"
	}
	if requester == "" {
		requester = "unknown"
	}
	return Item{
		Encoded:    t.Encoded,
		Identifier: t.Info.Identifier,
		Title:      title,
		URI:        t.Info.URI,
		Author:     t.Info.Author,
		Length:     t.Info.Length,
		ArtworkURL: t.Info.ArtworkURL,
		SourceName: t.Info.SourceName,
		Requester:  requester,
		Playlist:   playlist,
	}
}

// ID is the identifier used to remember failures.
func (it Item) ID() string {
	return sources.VideoID(it.Identifier, it.URI)
}

// RepeatMode is the loop setting of a session.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatTrack
	RepeatQueue
)

func (m RepeatMode) Next() RepeatMode { return (m + 1) % 3 }

func (m RepeatMode) String() string {
	switch m {
	case RepeatTrack:
		return "track"
	case RepeatQueue:
		return "queue"
	default:
		return "off"
	}
}

// Snapshot is the playback state captured when a node is lost.
type Snapshot struct {
	ID         string
	Current    *Item
	Queue      []Item
	Paused     bool
	Position   time.Duration
	Repeat     RepeatMode
	CapturedAt time.Time
}

func newSnapshot(current *Item, queue []Item, paused bool, pos time.Duration, repeat RepeatMode) *Snapshot {
	snap := &Snapshot{
		ID:         uuid.NewString(),
		Queue:      append([]Item(nil), queue...),
		Paused:     paused,
		Position:   pos,
		Repeat:     repeat,
		CapturedAt: time.Now(),
	}
	if current != nil {
		cp := *current
		snap.Current = &cp
	}
	return snap
}

// NowPlaying describes the current item for display.
type NowPlaying struct {
	Title      string
	URI        string
	Author     string
	Requester  string
	Length     time.Duration
	ArtworkURL string
}

// Upcoming describes a queued item for display.
type Upcoming struct {
	Title     string
	URI       string
	Requester string
}

// Status is a read-only view of a session.
type Status struct {
	Paused     bool
	Repeat     RepeatMode
	NodeName   string
	Position   time.Duration
	Current    *NowPlaying
	Upcoming   []Upcoming
	TotalQueue int
	NodeDown   bool
}

// Result is the classified outcome of a resolve.
type Result struct {
	Type         engine.LoadType
	Tracks       []engine.Track
	PlaylistName string
}

// AddResult reports what Add queued.
type AddResult struct {
	Added    int
	Playlist bool
}

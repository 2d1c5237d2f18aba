// Package engine describes the external audio-processing engine the
// orchestrator drives: a registry of named nodes that resolve identifiers
// into playable tracks, and per-guild bindings that play them.
//
// Implementations must deliver node and binding events from their own
// goroutine, in order, and never synchronously from inside a Binding or
// Registry method. Session code relies on this to hold its locks across
// engine calls.
package engine

import (
	"context"
	"time"
)

// NodeState is the liveness of an engine node.
type NodeState int

const (
	NodeDown NodeState = iota
	NodeDegraded
	NodeUp
)

// Live reports whether a node in this state accepts work.
func (s NodeState) Live() bool {
	return s == NodeUp || s == NodeDegraded
}

func (s NodeState) String() string {
	switch s {
	case NodeUp:
		return "UP"
	case NodeDegraded:
		return "DEGRADED"
	default:
		return "DOWN"
	}
}

// NodeStats is the load report of a node.
type NodeStats struct {
	Penalty          float64 // base penalty computed by the node itself
	Players          int
	PlayingPlayers   int
	CPULoad          float64 // system load, 0..1
	MemoryUsed       uint64
	MemoryReservable uint64
}

// MemoryPercent returns used memory as a percentage of reservable memory.
func (s NodeStats) MemoryPercent() float64 {
	if s.MemoryReservable == 0 {
		return 0
	}
	return float64(s.MemoryUsed) / float64(s.MemoryReservable) * 100
}

// Node is one remote processing endpoint.
type Node interface {
	Name() string
	State() NodeState
	Stats() NodeStats
	Resolve(ctx context.Context, identifier string) (*LoadResult, error)
}

// NodeEventType enumerates node lifecycle events.
type NodeEventType string

const (
	NodeReady      NodeEventType = "ready"
	NodeClose      NodeEventType = "close"
	NodeDisconnect NodeEventType = "disconnect"
)

type NodeEvent struct {
	Type   NodeEventType
	Node   string
	Code   int
	Reason string
}

// JoinRequest asks the registry to bind a guild's voice room on a node.
type JoinRequest struct {
	GuildID string
	RoomID  string
	Node    string
	Deaf    bool
	Mute    bool
}

// Registry is the set of nodes owned by one worker identity.
type Registry interface {
	Nodes() []Node
	Node(name string) (Node, bool)
	Join(ctx context.Context, req JoinRequest) (Binding, error)
	Leave(ctx context.Context, guildID string) error
	// Binding returns the binding the registry currently holds for a guild.
	Binding(guildID string) (Binding, bool)
	SubscribeNodes(fn func(NodeEvent)) (cancel func())
}

// EndReason is why a track stopped.
type EndReason string

const (
	EndFinished   EndReason = "FINISHED"
	EndLoadFailed EndReason = "LOAD_FAILED"
	EndStopped    EndReason = "STOPPED"
	EndReplaced   EndReason = "REPLACED"
	EndCleanup    EndReason = "CLEANUP"
)

// BindingEventType enumerates per-binding playback events.
type BindingEventType string

const (
	EventEnd       BindingEventType = "end"
	EventException BindingEventType = "exception"
	EventStuck     BindingEventType = "stuck"
	EventClosed    BindingEventType = "closed"
)

type BindingEvent struct {
	Type   BindingEventType
	Reason EndReason // set for EventEnd
	Detail string
}

// Binding is a guild's player on a specific node.
type Binding interface {
	GuildID() string
	RoomID() string
	Node() Node
	Destroyed() bool
	// Active reports whether the engine has a track loaded on this binding.
	Active() bool
	Position() time.Duration
	PlayTrack(ctx context.Context, encoded string) error
	// StopTrack unloads the track. It reports whether one was loaded, in
	// which case an end event with EndStopped follows.
	StopTrack(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	SeekTo(ctx context.Context, pos time.Duration) error
	SetVolume(ctx context.Context, pct int) error
	Subscribe(fn func(BindingEvent)) (cancel func())
}

// LoadType classifies a resolve result.
type LoadType string

const (
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
	LoadTrack    LoadType = "track"
	LoadSearch   LoadType = "search"
	LoadPlaylist LoadType = "playlist"
)

type TrackInfo struct {
	Identifier string
	Title      string
	URI        string
	Author     string
	Length     time.Duration
	ArtworkURL string
	SourceName string
	IsStream   bool
}

// Track is a raw resolved track as returned by a node.
type Track struct {
	Encoded string
	Info    TrackInfo
}

type LoadResult struct {
	Type         LoadType
	Tracks       []Track
	PlaylistName string
	Error        string
}

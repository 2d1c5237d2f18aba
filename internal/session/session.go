// Package session is the per-room playback state machine: queue, current
// item, loop mode, the engine binding that plays them, and the recovery
// protocol that keeps a room playing when engine nodes come and go.
//
// Locking: mu guards the fields and is never held across an engine call.
// opMu serializes playback transitions (advancing the queue, replacing a
// failed item, restoring after node loss, migrating). Engine events arrive
// on the engine's goroutine, so a transition may hold opMu while it talks to
// the engine.
package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/logging"
)

// Config identifies a session and its worker.
type Config struct {
	GuildID       string
	RoomID        string
	TextChannelID string
	Worker        int
	Engine        engine.Registry
	Options       Options
	// OnChange is called after every state change. It must not block.
	OnChange func()
	Logger   zerolog.Logger
}

// Session is one room's playback.
type Session struct {
	guildID       string
	roomID        string
	textChannelID string
	worker        int
	reg           engine.Registry
	opts          Options
	onChange      func()
	log           zerolog.Logger

	// ctx bounds work started by engine events.
	ctx context.Context

	flight   singleflight.Group
	joining  atomic.Int32
	handling atomic.Bool
	opMu     sync.Mutex

	mu          sync.Mutex
	binding     engine.Binding
	attached    engine.Binding
	unsubscribe func()
	queue       []Item
	current     *Item
	repeat      RepeatMode
	paused      bool
	failed      map[string]struct{}
	snapshot    *Snapshot
	nodeDown    bool
	recovering  bool
	migrating   bool
	migrateReq  bool
	// ignoreStops counts end events caused by our own stop calls on the
	// current binding.
	ignoreStops int
}

// New creates an idle session. ctx bounds the work the session starts on
// its own in response to engine events.
func New(ctx context.Context, cfg Config) *Session {
	onChange := cfg.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Session{
		guildID:       cfg.GuildID,
		roomID:        cfg.RoomID,
		textChannelID: cfg.TextChannelID,
		worker:        cfg.Worker,
		reg:           cfg.Engine,
		opts:          cfg.Options.withDefaults(),
		onChange:      onChange,
		log: logging.Component(cfg.Logger, "session").With().
			Str("guild", cfg.GuildID).
			Str("room", cfg.RoomID).
			Int("worker", cfg.Worker).
			Logger(),
		ctx:    ctx,
		failed: make(map[string]struct{}),
	}
}

func (s *Session) GuildID() string       { return s.guildID }
func (s *Session) RoomID() string        { return s.roomID }
func (s *Session) TextChannelID() string { return s.textChannelID }
func (s *Session) Worker() int           { return s.worker }

// notify runs the change callback. A panicking callback is logged.
func (s *Session) notify() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("change callback panicked")
		}
	}()
	s.onChange()
}

// NodeName returns the node of the current binding, or "".
func (s *Session) NodeName() string {
	s.mu.Lock()
	b := s.binding
	s.mu.Unlock()
	return nodeName(b)
}

// HasWork reports whether the session has something playing or queued.
func (s *Session) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil || len(s.queue) > 0
}

// HasBinding reports whether the session holds an engine binding at all.
func (s *Session) HasBinding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding != nil
}

// BindingUsable reports whether the session holds a binding that can play.
func (s *Session) BindingUsable() bool {
	s.mu.Lock()
	b := s.binding
	s.mu.Unlock()
	return usable(b)
}

// NodeDown reports whether a node loss is waiting to be recovered.
func (s *Session) NodeDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeDown
}

// PendingSnapshot returns the snapshot awaiting recovery, if any.
func (s *Session) PendingSnapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// MigrationRequested reports whether a move to the primary node is pending.
func (s *Session) MigrationRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrateReq
}

// Busy reports whether a join, recovery or migration is in flight. The
// binding is expected to be missing meanwhile.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrating || s.recovering || s.joining.Load() > 0
}

func usable(b engine.Binding) bool {
	if b == nil || b.Destroyed() {
		return false
	}
	n := b.Node()
	return n != nil && n.State().Live()
}

func nodeName(b engine.Binding) string {
	if b == nil || b.Node() == nil {
		return ""
	}
	return b.Node().Name()
}

func (s *Session) currentBinding() engine.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

func (s *Session) onPrimary() bool {
	return s.opts.PrimaryNode != "" && s.NodeName() == s.opts.PrimaryNode
}

func (s *Session) primaryLive() bool {
	return engine.IsNodeLive(s.reg, s.opts.PrimaryNode)
}

// defaultPrefix searches the primary source only while this session is
// bound to a live primary node.
func (s *Session) defaultPrefix() string {
	if s.onPrimary() && s.primaryLive() {
		return s.opts.PrimarySource.SearchPrefix
	}
	return s.opts.FallbackSource.SearchPrefix
}

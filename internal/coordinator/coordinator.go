// Package coordinator owns the session table. It turns (guild, room)
// requests into sessions bound to a pool worker and keeps the 24/7 rooms
// joined.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/keshon/multiroom/internal/config"
	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/logging"
	"github.com/keshon/multiroom/internal/metrics"
	"github.com/keshon/multiroom/internal/pool"
	"github.com/keshon/multiroom/internal/session"
	"github.com/keshon/multiroom/pkg/retrylimit"
)

var (
	ErrRoomNotAllowed = errors.New("room is not in the configured room list")
	ErrNoFreeWorker   = errors.New("no free worker in this guild")
	ErrNoEngine       = errors.New("worker has no engine connection")
)

// WorkerBusyError is returned when a room's pinned worker already serves
// another room of the guild.
type WorkerBusyError struct {
	Index int
}

func (e *WorkerBusyError) Error() string {
	return fmt.Sprintf("worker %d is busy in another room", e.Index)
}

type Config struct {
	Rooms   config.Rooms
	Session session.Options

	// Debounce coalesces session change notifications.
	Debounce time.Duration
	// ReadyTimeout bounds the wait for engine nodes before 24/7 joins.
	ReadyTimeout  time.Duration
	RoomJoinDelay time.Duration
	// JoinAttempts and the two backoffs drive 24/7 room joins.
	JoinAttempts  int
	NoNodeBackoff time.Duration
	JoinBackoff   time.Duration
}

// DefaultConfig returns the stock timings with an empty room list.
func DefaultConfig() Config {
	return Config{
		Rooms:         config.DefaultRooms(),
		Session:       session.Defaults(),
		Debounce:      650 * time.Millisecond,
		ReadyTimeout:  30 * time.Second,
		RoomJoinDelay: 800 * time.Millisecond,
		JoinAttempts:  3,
		NoNodeBackoff: 1500 * time.Millisecond,
		JoinBackoff:   600 * time.Millisecond,
	}
}

type Coordinator struct {
	ctx  context.Context
	pool *pool.Pool
	cfg  Config
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	flight   singleflight.Group

	changes  chan struct{}
	debounce *debouncer
}

// New creates a coordinator. ctx bounds the background work of every
// session it creates.
func New(ctx context.Context, p *pool.Pool, cfg Config, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		ctx:      ctx,
		pool:     p,
		cfg:      cfg,
		log:      logging.Component(log, "coordinator"),
		sessions: make(map[string]*session.Session),
		changes:  make(chan struct{}, 1),
	}
	c.debounce = newDebouncer(cfg.Debounce, c.publish)
	return c
}

func key(guildID, roomID string) string { return guildID + ":" + roomID }

// Session returns the existing session for a room.
func (c *Coordinator) Session(guildID, roomID string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key(guildID, roomID)]
	return s, ok
}

// Sessions returns every session ordered by guild and room.
func (c *Coordinator) Sessions() []*session.Session {
	c.mu.Lock()
	out := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID() != out[j].GuildID() {
			return out[i].GuildID() < out[j].GuildID()
		}
		return out[i].RoomID() < out[j].RoomID()
	})
	return out
}

// Changes delivers a coalesced signal after sessions change state.
func (c *Coordinator) Changes() <-chan struct{} { return c.changes }

func (c *Coordinator) publish() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// GetOrCreateSession returns the room's session, creating and connecting
// it on first use. Concurrent callers for the same room share one attempt.
func (c *Coordinator) GetOrCreateSession(ctx context.Context, guildID, roomID, textChannelID string) (*session.Session, error) {
	if !c.cfg.Rooms.Allowed(roomID) {
		return nil, ErrRoomNotAllowed
	}
	if s, ok := c.Session(guildID, roomID); ok {
		return s, nil
	}

	k := key(guildID, roomID)
	v, err, _ := c.flight.Do(k, func() (any, error) {
		if s, ok := c.Session(guildID, roomID); ok {
			return s, nil
		}
		return c.create(ctx, guildID, roomID, textChannelID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (c *Coordinator) create(ctx context.Context, guildID, roomID, textChannelID string) (*session.Session, error) {
	index, err := c.pickWorker(guildID, roomID)
	if err != nil {
		return nil, err
	}
	w, _ := c.pool.Worker(index)
	if w.Engine == nil {
		return nil, fmt.Errorf("worker %d: %w", index, ErrNoEngine)
	}

	s := session.New(c.ctx, session.Config{
		GuildID:       guildID,
		RoomID:        roomID,
		TextChannelID: textChannelID,
		Worker:        index,
		Engine:        w.Engine,
		Options:       c.cfg.Session,
		OnChange:      c.debounce.trigger,
		Logger:        c.log,
	})

	k := key(guildID, roomID)
	c.mu.Lock()
	c.sessions[k] = s
	metrics.Sessions.Set(float64(len(c.sessions)))
	c.mu.Unlock()

	if _, err := s.EnsureConnected(ctx); err != nil {
		// The assignment stays; the next request reuses the worker.
		c.mu.Lock()
		if c.sessions[k] == s {
			delete(c.sessions, k)
		}
		metrics.Sessions.Set(float64(len(c.sessions)))
		c.mu.Unlock()
		return nil, err
	}

	c.log.Info().Str("guild", guildID).Str("room", roomID).Int("worker", index).Str("node", s.NodeName()).Msg("session created")
	c.debounce.trigger()
	return s, nil
}

func (c *Coordinator) pickWorker(guildID, roomID string) (int, error) {
	if idx, ok := c.pool.GetAssigned(guildID, roomID); ok {
		return idx, nil
	}
	if pinned, ok := c.cfg.Rooms.PreferredWorker(roomID); ok {
		idx, ok := c.pool.AllocateSpecific(guildID, roomID, pinned)
		if !ok {
			return 0, &WorkerBusyError{Index: pinned}
		}
		return idx, nil
	}
	idx, ok := c.pool.GetOrAllocate(guildID, roomID)
	if !ok {
		return 0, ErrNoFreeWorker
	}
	return idx, nil
}

// JoinConfiguredRooms connects every configured room when 24/7 mode is on.
// Rooms that cannot be joined are logged and skipped.
func (c *Coordinator) JoinConfiguredRooms(ctx context.Context) {
	rooms := c.cfg.Rooms
	if !rooms.Keep24_7 || len(rooms.List) == 0 {
		return
	}

	wanted := rooms.WantedWorkers()
	if len(wanted) == 0 {
		wanted = []int{1}
	}
	var g errgroup.Group
	for _, idx := range wanted {
		w, ok := c.pool.Worker(idx)
		if !ok || w.Engine == nil {
			continue
		}
		g.Go(func() error {
			if !engine.WaitForLiveNode(ctx, w.Engine, c.cfg.ReadyTimeout) {
				c.log.Warn().Int("worker", idx).Msg("no live engine node before 24/7 joins")
			}
			return nil
		})
	}
	_ = g.Wait()

	coord := c.pool.Coordinator()
	for i, room := range rooms.List {
		if i > 0 {
			if err := retrylimit.Sleep(ctx, c.cfg.RoomJoinDelay); err != nil {
				return
			}
		}
		if coord.Discord == nil {
			c.log.Warn().Str("room", room.VoiceChannelID).Msg("no gateway to resolve room guild")
			continue
		}
		guildID, err := coord.Discord.ChannelGuild(room.VoiceChannelID)
		if err != nil {
			c.log.Warn().Err(err).Str("room", room.VoiceChannelID).Msg("resolve room guild")
			continue
		}
		if err := c.joinRoom(ctx, guildID, room.VoiceChannelID); err != nil {
			c.log.Error().Err(err).Str("guild", guildID).Str("room", room.VoiceChannelID).Msg("24/7 join failed")
			continue
		}
		c.log.Info().Str("guild", guildID).Str("room", room.VoiceChannelID).Msg("24/7 room joined")
	}
}

func (c *Coordinator) joinRoom(ctx context.Context, guildID, roomID string) error {
	var last error
	return retrylimit.Retry(ctx, retrylimit.Config{
		MaxAttempts: c.cfg.JoinAttempts,
		Backoff: func(attempt int) time.Duration {
			if errors.Is(last, session.ErrNoEngineNode) {
				return c.cfg.NoNodeBackoff * time.Duration(attempt)
			}
			return c.cfg.JoinBackoff * time.Duration(attempt)
		},
		Retryable: func(err error) bool {
			var busy *WorkerBusyError
			return !errors.Is(err, ErrRoomNotAllowed) && !errors.As(err, &busy)
		},
		OnRetry: func(attempt int, err error) {
			c.log.Warn().Err(err).Int("attempt", attempt).Str("room", roomID).Msg("24/7 join attempt failed")
		},
	}, func(int) error {
		_, err := c.GetOrCreateSession(ctx, guildID, roomID, c.cfg.Rooms.ControlTextChannelID)
		last = err
		return err
	})
}

// Close stops pending change notifications.
func (c *Coordinator) Close() {
	c.debounce.stop()
}

// Message turns an error from a coordinator or session call into text
// for the person who asked.
func Message(err error) string {
	var busy *WorkerBusyError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotAllowed):
		return "This voice channel is not enabled for music."
	case errors.As(err, &busy):
		return fmt.Sprintf("Bot %d is already playing in another channel of this server.", busy.Index)
	case errors.Is(err, ErrNoFreeWorker):
		return "All music bots are busy in this server. Try again when one is free."
	case errors.Is(err, ErrNoEngine):
		return "This bot has no audio engine connection."
	case errors.Is(err, session.ErrNoEngineNode):
		return "No audio node is available right now. Try again in a moment."
	case errors.Is(err, session.ErrJoinFailed):
		return "Could not join the voice channel."
	case errors.Is(err, session.ErrEmptyQuery):
		return "Tell me what to play."
	case errors.Is(err, session.ErrResolveEmpty):
		return "Nothing found."
	case errors.Is(err, session.ErrResolveError):
		return "The audio node could not load that."
	case errors.Is(err, session.ErrNotConnected):
		return "Not connected to a voice channel."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "That took too long. Try again."
	default:
		return "Something went wrong."
	}
}

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/metrics"
	"github.com/keshon/multiroom/pkg/retrylimit"
)

// EnsureConnected returns a usable binding, joining the room if needed.
// Concurrent callers share one join. The join runs under the session's
// context, so a caller giving up does not fail the others.
func (s *Session) EnsureConnected(ctx context.Context) (engine.Binding, error) {
	if b, ok := s.usableOrDrop(ctx); ok {
		return b, nil
	}

	ch := s.flight.DoChan("join", func() (any, error) {
		s.joining.Add(1)
		defer s.joining.Add(-1)
		return s.join(s.ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(engine.Binding), nil
	}
}

// usableOrDrop returns the current binding when usable. An unusable one is
// detached and left.
func (s *Session) usableOrDrop(ctx context.Context) (engine.Binding, bool) {
	s.mu.Lock()
	b := s.binding
	if b == nil {
		s.mu.Unlock()
		return nil, false
	}
	if usable(b) {
		s.mu.Unlock()
		return b, true
	}
	s.detachLocked()
	s.mu.Unlock()

	s.log.Warn().Str("node", nodeName(b)).Msg("stale binding, rejoining")
	s.leave(ctx)
	return nil, false
}

func (s *Session) join(ctx context.Context) (engine.Binding, error) {
	// A join that finished while we waited for the flight may have left a
	// usable binding behind.
	if b, ok := s.usableOrDrop(ctx); ok {
		return b, nil
	}

	if b, ok := s.adoptExisting(ctx); ok {
		metrics.Joins.WithLabelValues("adopted").Inc()
		return b, nil
	}

	if s.reg == nil {
		metrics.Joins.WithLabelValues("no_node").Inc()
		return nil, fmt.Errorf("%w: worker %d has no engine", ErrNoEngineNode, s.worker)
	}
	if !engine.WaitForLiveNode(ctx, s.reg, s.opts.NodeReadyTimeout) {
		metrics.Joins.WithLabelValues("no_node").Inc()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: no live node within %s", ErrNoEngineNode, s.opts.NodeReadyTimeout)
	}

	b, err := s.joinWithRetry(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoEngineNode):
			metrics.Joins.WithLabelValues("no_node").Inc()
		default:
			metrics.Joins.WithLabelValues("failed").Inc()
		}
		s.log.Error().Err(err).Msg("join failed")
		return nil, err
	}

	s.attach(b)
	metrics.Joins.WithLabelValues("ok").Inc()
	s.log.Info().Str("node", nodeName(b)).Msg("joined room")
	return b, nil
}

// adoptExisting reuses a player the registry already holds for this guild.
// A stale one, or one bound to another room, is left instead.
func (s *Session) adoptExisting(ctx context.Context) (engine.Binding, bool) {
	if s.reg == nil {
		return nil, false
	}
	existing, ok := s.reg.Binding(s.guildID)
	if !ok || existing == nil {
		return nil, false
	}
	if !usable(existing) {
		s.log.Warn().Msg("existing player is stale, forcing rejoin")
		s.leave(ctx)
		return nil, false
	}
	if existing.RoomID() != "" && existing.RoomID() != s.roomID {
		s.log.Warn().Str("other_room", existing.RoomID()).Msg("worker connected elsewhere, moving")
		s.leave(ctx)
		return nil, false
	}
	s.attach(existing)
	return existing, true
}

// joinWithRetry joins on the best node, retrying aborted joins with a
// linear backoff and leaving before each retry.
func (s *Session) joinWithRetry(ctx context.Context) (engine.Binding, error) {
	var (
		out  engine.Binding
		node string
	)
	err := retrylimit.Retry(ctx, retrylimit.Config{
		MaxAttempts: s.opts.JoinRetries + 1,
		Backoff:     retrylimit.Linear(s.opts.JoinBackoff),
		Retryable:   engine.IsAborted,
		BeforeRetry: func(int) { s.leave(ctx) },
		OnRetry: func(attempt int, err error) {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("join aborted, retrying")
		},
	}, func(int) error {
		n := engine.PickNode(s.reg.Nodes(), s.opts.PrimaryNode)
		if n == nil {
			return retrylimit.Fatal(fmt.Errorf("%w: no live node", ErrNoEngineNode))
		}
		node = n.Name()
		b, err := s.joinOn(ctx, node)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err == nil {
		return out, nil
	}
	if engine.IsAlreadyConnected(err) {
		return s.awaitExisting(ctx, node)
	}
	return nil, joinError(err)
}

// awaitExisting polls for the binding another caller is creating. If it
// never shows up, or shows up for another room, the guild is left and
// joined again.
func (s *Session) awaitExisting(ctx context.Context, node string) (engine.Binding, error) {
	for i := 0; i < s.opts.ExistingPollAttempts; i++ {
		if b, ok := s.reg.Binding(s.guildID); ok && b != nil && !b.Destroyed() {
			if b.RoomID() != "" && b.RoomID() != s.roomID {
				break
			}
			return b, nil
		}
		if err := retrylimit.Sleep(ctx, s.opts.ExistingPollInterval); err != nil {
			return nil, err
		}
	}

	s.leave(ctx)
	b, err := s.joinOn(ctx, node)
	if err != nil {
		return nil, joinError(err)
	}
	return b, nil
}

func (s *Session) joinOn(ctx context.Context, node string) (engine.Binding, error) {
	return s.reg.Join(ctx, engine.JoinRequest{
		GuildID: s.guildID,
		RoomID:  s.roomID,
		Node:    node,
	})
}

func joinError(err error) error {
	switch {
	case errors.Is(err, ErrNoEngineNode),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, engine.ErrNoNodes):
		return fmt.Errorf("%w: %w", ErrNoEngineNode, err)
	}
	return fmt.Errorf("%w: %w", ErrJoinFailed, err)
}

// leave asks the registry to drop the guild's player, ignoring errors.
func (s *Session) leave(ctx context.Context) {
	if s.reg == nil {
		return
	}
	if err := s.reg.Leave(ctx, s.guildID); err != nil {
		s.log.Debug().Err(err).Msg("leave")
	}
}

// attach makes b the session's binding and subscribes to its events once.
func (s *Session) attach(b engine.Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binding = b
	if s.attached == b {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.attached = b
	s.ignoreStops = 0
	s.unsubscribe = b.Subscribe(func(ev engine.BindingEvent) {
		s.onBindingEvent(b, ev)
	})
}

func (s *Session) detachLocked() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.unsubscribe = nil
	s.attached = nil
	s.binding = nil
	s.ignoreStops = 0
}

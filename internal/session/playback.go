package session

import (
	"context"
	"errors"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/metrics"
)

// PlayNextIfNeeded starts playback. Without force it leaves a playing item
// alone and replays the current one under track repeat; otherwise it pops
// the queue, going idle when the queue is empty.
func (s *Session) PlayNextIfNeeded(ctx context.Context, force bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.playNextLocked(ctx, force)
}

func (s *Session) playNextLocked(ctx context.Context, force bool) error {
	b, err := s.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cur := s.current
	playing := cur != nil && b.Active() && !s.paused
	repeatTrack := s.repeat == RepeatTrack
	s.mu.Unlock()

	if !force && playing {
		return nil
	}
	if !force && repeatTrack && cur != nil {
		return s.playLocked(ctx, *cur)
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.current = nil
		s.paused = false
		s.dropSnapshotLocked("queue finished")
		s.nodeDown = false
		s.mu.Unlock()
		s.stopLocked(ctx, b, "stop on empty queue")
		s.notify()
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	return s.playLocked(ctx, next)
}

// playLocked makes item current and plays it on the bound node. If the
// node rejects the call the session is marked down and the item is tried
// once more on a fresh binding; a second failure is left to recovery.
func (s *Session) playLocked(ctx context.Context, item Item) error {
	item = s.ensurePlayable(ctx, item)
	if item.Encoded == "" {
		return ErrInvalidTrack
	}

	s.mu.Lock()
	cp := item
	s.current = &cp
	s.paused = false
	b := s.binding
	s.mu.Unlock()

	if b == nil {
		var err error
		if b, err = s.EnsureConnected(ctx); err != nil {
			return err
		}
	}

	if err := b.PlayTrack(ctx, item.Encoded); err != nil {
		metrics.PlaybackFailures.WithLabelValues("play_error").Inc()
		s.log.Warn().Err(err).Str("title", item.Title).Msg("play failed, rebinding")
		s.MarkNodeDown("play failed")

		if b, err = s.EnsureConnected(ctx); err == nil {
			err = b.PlayTrack(ctx, item.Encoded)
		}
		if err != nil {
			s.log.Error().Err(err).Str("title", item.Title).Msg("play failed again, leaving it to recovery")
			go s.RecoverIfNeeded(s.ctx)
			return err
		}
	}

	s.mu.Lock()
	s.dropSnapshotLocked("playing again")
	s.nodeDown = false
	s.mu.Unlock()

	if err := b.SetVolume(ctx, s.opts.Volume); err != nil {
		s.log.Debug().Err(err).Msg("set volume")
	}
	s.log.Info().Str("title", item.Title).Str("uri", item.URI).Str("node", nodeName(b)).Msg("playing")
	s.notify()
	return nil
}

// Skip stops the current item. The end event advances the queue.
func (s *Session) Skip(ctx context.Context) error {
	b := s.currentBinding()
	if b == nil {
		return nil
	}
	if _, err := b.StopTrack(ctx); err != nil {
		s.log.Debug().Err(err).Msg("skip")
	}
	s.notify()
	return nil
}

// Stop clears the queue and the current item and stops playback.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.queue = nil
	s.current = nil
	s.paused = false
	s.dropSnapshotLocked("stopped")
	b := s.binding
	s.mu.Unlock()

	if b != nil {
		s.stopLocked(ctx, b, "stop")
	}
	s.notify()
	return nil
}

// stopLocked stops b without advancing the queue. The caller holds opMu,
// so handleEnd sees the counted stop before it runs.
func (s *Session) stopLocked(ctx context.Context, b engine.Binding, what string) {
	stopped, err := b.StopTrack(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg(what)
		return
	}
	if !stopped {
		return
	}
	s.mu.Lock()
	if s.binding == b {
		s.ignoreStops++
	}
	s.mu.Unlock()
}

// dropSnapshotLocked forgets a pending snapshot once playback state has
// moved on without it. Caller holds mu.
func (s *Session) dropSnapshotLocked(why string) {
	if s.snapshot == nil {
		return
	}
	if !s.recovering {
		s.log.Info().Str("snapshot", s.snapshot.ID).Str("why", why).Msg("pending snapshot dropped")
	}
	s.snapshot = nil
}

// TogglePause flips the paused flag and returns the new value.
func (s *Session) TogglePause(ctx context.Context) (bool, error) {
	s.mu.Lock()
	b := s.binding
	if b == nil {
		paused := s.paused
		s.mu.Unlock()
		return paused, nil
	}
	s.paused = !s.paused
	paused := s.paused
	s.mu.Unlock()

	if err := b.SetPaused(ctx, paused); err != nil {
		s.log.Debug().Err(err).Bool("paused", paused).Msg("set paused")
	}
	s.notify()
	return paused, nil
}

func (s *Session) onBindingEvent(b engine.Binding, ev engine.BindingEvent) {
	if s.currentBinding() != b {
		s.log.Debug().Str("event", string(ev.Type)).Msg("event from a replaced binding ignored")
		return
	}

	switch ev.Type {
	case engine.EventEnd:
		// Replaced tracks were swapped deliberately. Load failures are
		// followed by an exception event, which owns the recovery.
		if ev.Reason == engine.EndReplaced || ev.Reason == engine.EndLoadFailed {
			return
		}
		s.handleEnd(s.ctx, ev.Reason)

	case engine.EventException:
		metrics.PlaybackFailures.WithLabelValues("exception").Inc()
		s.log.Error().Str("detail", ev.Detail).Msg("track exception")
		s.handleFailure(s.ctx, ev.Detail)

	case engine.EventStuck:
		metrics.PlaybackFailures.WithLabelValues("stuck").Inc()
		s.log.Error().Str("detail", ev.Detail).Msg("track stuck")
		s.handleFailure(s.ctx, "stuck")

	case engine.EventClosed:
		metrics.PlaybackFailures.WithLabelValues("closed").Inc()
		s.log.Warn().Str("detail", ev.Detail).Msg("player closed")
		s.MarkNodeDown("player closed")
		go s.RecoverIfNeeded(s.ctx)
	}
}

// handleEnd runs after an item ended on its own or was skipped. A pending
// migration happens here, between items.
func (s *Session) handleEnd(ctx context.Context, reason engine.EndReason) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if reason == engine.EndStopped && s.ignoreStops > 0 {
		s.ignoreStops--
		s.mu.Unlock()
		return
	}
	wantMigrate := s.migrateReq
	s.mu.Unlock()

	if wantMigrate && s.primaryLive() && !s.onPrimary() {
		if _, err := s.migrateLocked(ctx, betweenItems, false); err != nil && !errors.Is(err, errMigrationDeferred) {
			s.log.Warn().Err(err).Msg("migration between items failed")
		}
	}

	s.mu.Lock()
	cur := s.current
	repeat := s.repeat
	if repeat == RepeatQueue && cur != nil {
		s.queue = append(s.queue, *cur)
	}
	s.mu.Unlock()

	var err error
	if repeat == RepeatTrack && cur != nil {
		err = s.playLocked(ctx, *cur)
	} else {
		err = s.playNextLocked(ctx, true)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("reason", string(reason)).Msg("advance after end failed")
	}
}

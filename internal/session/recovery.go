package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/metrics"
	"github.com/keshon/multiroom/internal/music/sources"
	"github.com/keshon/multiroom/pkg/retrylimit"
)

var errMigrationDeferred = errors.New("migration deferred")

// MarkNodeDown records that the session's node is gone. The first call
// captures a snapshot of the playback; later calls keep it until a
// recovery consumes it or playback moves on without it.
func (s *Session) MarkNodeDown(reason string) {
	s.mu.Lock()
	if s.snapshot == nil {
		s.snapshot = s.snapshotLocked()
		s.log.Warn().Str("reason", reason).Str("snapshot", s.snapshot.ID).Msg("node down, playback captured")
	} else {
		s.log.Warn().Str("reason", reason).Str("snapshot", s.snapshot.ID).Msg("node down")
	}
	s.nodeDown = true
	s.detachLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) snapshotLocked() *Snapshot {
	var pos time.Duration
	if s.binding != nil {
		pos = s.binding.Position()
	}
	return newSnapshot(s.current, s.queue, s.paused, pos, s.repeat)
}

// RecoverIfNeeded restores the captured playback on a new binding. It
// returns false when there is nothing to recover or every attempt failed.
// Concurrent callers share one recovery.
func (s *Session) RecoverIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()
	if snap == nil {
		return false, nil
	}

	v, err, _ := s.flight.Do("recover", func() (any, error) {
		s.setRecovering(true)
		defer s.setRecovering(false)
		return s.recover(ctx, snap)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Session) setRecovering(v bool) {
	s.mu.Lock()
	s.recovering = v
	s.mu.Unlock()
}

func (s *Session) recover(ctx context.Context, snap *Snapshot) (bool, error) {
	log := s.log.With().Str("snapshot", snap.ID).Logger()

	err := retrylimit.Retry(ctx, retrylimit.Config{
		MaxAttempts: s.opts.RecoverAttempts,
		OnRetry: func(attempt int, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("recovery attempt failed")
		},
	}, func(attempt int) error {
		if s.reg != nil {
			engine.WaitForLiveNode(ctx, s.reg, s.opts.NodeReadyTimeout)
		}
		if err := retrylimit.Sleep(ctx, retrylimit.Linear(s.opts.RecoverBackoff)(attempt)); err != nil {
			return retrylimit.Fatal(err)
		}

		s.opMu.Lock()
		defer s.opMu.Unlock()
		return s.restoreLocked(ctx, snap)
	})
	if err != nil {
		metrics.Recoveries.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("unable to recover automatically, waiting for the next trigger")
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	metrics.Recoveries.WithLabelValues("ok").Inc()
	log.Info().Str("node", s.NodeName()).Msg("session recovered")
	return true, nil
}

// restoreLocked rebinds and puts the snapshot back: the current item if
// none is set, the queue if it is empty, the loop mode, then plays the
// current item at the captured position and pause state.
func (s *Session) restoreLocked(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	if s.snapshot != snap {
		// Another path already consumed it.
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	b, err := s.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.current == nil && snap.Current != nil {
		cp := *snap.Current
		s.current = &cp
	}
	if len(s.queue) == 0 && len(snap.Queue) > 0 {
		s.queue = append([]Item(nil), snap.Queue...)
	}
	s.repeat = snap.Repeat
	var cur *Item
	if s.current != nil {
		cp := *s.current
		cur = &cp
	}
	s.mu.Unlock()

	if cur != nil && cur.Encoded != "" {
		if err := s.playLocked(ctx, *cur); err != nil {
			return err
		}
		b = s.currentBinding()
		if b == nil {
			return ErrNotConnected
		}
		s.resumeAt(ctx, b, snap.Position, snap.Paused)
	}

	s.mu.Lock()
	if s.snapshot == snap {
		s.snapshot = nil
	}
	s.nodeDown = false
	s.mu.Unlock()
	s.notify()
	return nil
}

// resumeAt seeks to pos and re-applies a pause. Both are best effort.
func (s *Session) resumeAt(ctx context.Context, b engine.Binding, pos time.Duration, paused bool) {
	if pos > 0 {
		if err := b.SeekTo(ctx, pos); err != nil {
			s.log.Debug().Err(err).Msg("seek after restore")
		}
	}
	if paused {
		if err := b.SetPaused(ctx, true); err != nil {
			s.log.Debug().Err(err).Msg("pause after restore")
		}
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	}
}

// RequestMigrateBack asks the session to move to the primary node at the
// next opportunity. Ignored unless migration back is enabled.
func (s *Session) RequestMigrateBack(reason string) {
	if !s.opts.MigrateBack {
		return
	}
	s.mu.Lock()
	s.migrateReq = true
	s.mu.Unlock()
	s.log.Debug().Str("reason", reason).Msg("migration to primary requested")
}

// MigrateBackToPrimary moves the session to the primary node now. With
// resume the current item continues at its position on the new node.
// force migrates even when migration back is disabled. It reports whether
// the session ended up on the primary node.
func (s *Session) MigrateBackToPrimary(ctx context.Context, resume, force bool) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	mode := restartItem
	if resume {
		mode = resumeItem
	}
	ok, err := s.migrateLocked(ctx, mode, force)
	if errors.Is(err, errMigrationDeferred) {
		return false, nil
	}
	return ok, err
}

// migrateMode says what happens to the current item on the new node.
type migrateMode int

const (
	// betweenItems leaves the current item alone; the caller advances.
	betweenItems migrateMode = iota
	resumeItem
	restartItem
)

func (s *Session) migrateLocked(ctx context.Context, mode migrateMode, force bool) (bool, error) {
	if !s.opts.MigrateBack && !force {
		return false, nil
	}
	if !s.primaryLive() {
		return false, nil
	}
	if s.onPrimary() {
		s.mu.Lock()
		s.migrateReq = false
		s.mu.Unlock()
		return true, nil
	}

	s.mu.Lock()
	if s.migrating {
		s.mu.Unlock()
		return false, nil
	}
	if reason := s.deferReasonLocked(); reason != "" {
		s.migrateReq = true
		s.mu.Unlock()
		metrics.Migrations.WithLabelValues("deferred").Inc()
		s.log.Debug().Str("reason", reason).Msg("migration to primary deferred")
		return false, errMigrationDeferred
	}
	s.migrating = true
	snap := s.snapshotLocked()
	s.detachLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.migrating = false
		s.mu.Unlock()
	}()

	if err := s.moveTo(ctx, snap, mode); err != nil {
		s.mu.Lock()
		s.migrateReq = true
		s.mu.Unlock()
		metrics.Migrations.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Msg("migration to primary failed")
		return false, err
	}

	s.mu.Lock()
	s.migrateReq = false
	s.mu.Unlock()
	metrics.Migrations.WithLabelValues("ok").Inc()
	s.log.Info().Str("node", s.NodeName()).Str("snapshot", snap.ID).Msg("moved back to primary")
	s.notify()
	return true, nil
}

// deferReasonLocked explains why a migration must wait, or returns "".
func (s *Session) deferReasonLocked() string {
	if s.joining.Load() > 0 {
		return "join in flight"
	}
	if s.recovering || s.snapshot != nil {
		return "recovery pending"
	}
	if s.opts.MigrateBackAllowFallbackSource {
		return ""
	}
	if s.current != nil && s.binding != nil && s.binding.Active() && !s.paused && s.isFallbackSourceItem(*s.current) {
		return "fallback-source item playing"
	}
	for _, it := range s.queue {
		if s.isFallbackSourceItem(it) {
			return "fallback-source item queued"
		}
	}
	return ""
}

func (s *Session) moveTo(ctx context.Context, snap *Snapshot, mode migrateMode) error {
	s.leave(ctx)
	b, err := s.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.queue) == 0 && len(snap.Queue) > 0 {
		s.queue = append([]Item(nil), snap.Queue...)
	}
	s.repeat = snap.Repeat
	s.paused = snap.Paused
	s.mu.Unlock()

	if mode == betweenItems || snap.Current == nil {
		return nil
	}

	item := *snap.Current
	if mode == resumeItem {
		if alt, ok := s.resolveAgain(ctx, b, item); ok {
			item = alt
		}
	}
	if err := s.playLocked(ctx, item); err != nil {
		return fmt.Errorf("play on primary: %w", err)
	}
	var pos time.Duration
	if mode == resumeItem {
		pos = snap.Position
	}
	if b = s.currentBinding(); b != nil {
		s.resumeAt(ctx, b, pos, snap.Paused)
	}
	return nil
}

// resolveAgain looks the item up on the new node so it plays from a
// payload that node produced.
func (s *Session) resolveAgain(ctx context.Context, b engine.Binding, item Item) (Item, bool) {
	identifier := item.URI
	if !sources.IsURL(identifier) {
		identifier = s.opts.FallbackSource.Search(item.Title)
	}
	res, err := s.resolveOn(ctx, b, identifier)
	if err != nil {
		s.log.Warn().Err(err).Str("title", item.Title).Msg("could not resolve current item on primary")
		return Item{}, false
	}
	alt := NewItem(res.Tracks[0], item.Requester, item.Playlist)
	if alt.Encoded == "" {
		return Item{}, false
	}
	return alt, true
}

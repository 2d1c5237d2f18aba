// Package supervisor keeps sessions playing across engine node changes. It
// listens to every worker's node events, recovers sessions whose node went
// away, moves them back when the primary node returns, and runs a watchdog
// for bindings that went stale without an event.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/logging"
	"github.com/keshon/multiroom/internal/metrics"
	"github.com/keshon/multiroom/internal/pool"
	"github.com/keshon/multiroom/internal/session"
	"github.com/keshon/multiroom/pkg/jobmgr"
	"github.com/keshon/multiroom/pkg/retrylimit"
)

// Sessions lists the sessions to watch.
type Sessions interface {
	Sessions() []*session.Session
}

// Config tunes the supervisor.
type Config struct {
	PrimaryNode       string
	MigrateBack       bool
	MigrateBackResume bool
	RecoverStagger    time.Duration
	MigrateStagger    time.Duration
	// Watchdog is the stale-binding sweep interval; 0 disables it.
	Watchdog time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		PrimaryNode:       "main",
		MigrateBackResume: true,
		RecoverStagger:    600 * time.Millisecond,
		MigrateStagger:    700 * time.Millisecond,
		Watchdog:          8 * time.Second,
	}
}

type Supervisor struct {
	pool     *pool.Pool
	sessions Sessions
	cfg      Config
	log      zerolog.Logger
	jobs     *jobmgr.Manager

	recoverPacer *retrylimit.Pacer
	migratePacer *retrylimit.Pacer

	mu     sync.Mutex
	unsubs []func()
}

func New(p *pool.Pool, sessions Sessions, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		pool:         p,
		sessions:     sessions,
		cfg:          cfg,
		log:          logging.Component(log, "supervisor"),
		recoverPacer: retrylimit.NewPacer(cfg.RecoverStagger),
		migratePacer: retrylimit.NewPacer(cfg.MigrateStagger),
	}
}

// Start subscribes to node events of every worker and starts the watchdog.
// Everything stops when ctx is done or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.jobs = jobmgr.NewManager(ctx, func(msg string) {
		s.log.Debug().Str("job", msg).Msg("sweep")
	})

	s.mu.Lock()
	for _, w := range s.pool.Workers() {
		if w.Engine == nil {
			continue
		}
		s.unsubs = append(s.unsubs, w.Engine.SubscribeNodes(func(ev engine.NodeEvent) {
			s.onNodeEvent(w, ev)
		}))
		s.updateLiveNodes(w)
	}
	s.mu.Unlock()

	if s.cfg.Watchdog > 0 {
		return s.jobs.StartAsync("watchdog", s.watchdog)
	}
	return nil
}

// Stop unsubscribes and waits for running sweeps to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.mu.Unlock()

	if s.jobs != nil {
		s.jobs.StopAll()
		s.jobs.Wait()
	}
}

// Jobs reports the sweeps in progress.
func (s *Supervisor) Jobs() []string {
	if s.jobs == nil {
		return nil
	}
	return s.jobs.List()
}

func (s *Supervisor) onNodeEvent(w *pool.Worker, ev engine.NodeEvent) {
	metrics.NodeEvents.WithLabelValues(ev.Node, string(ev.Type)).Inc()
	s.updateLiveNodes(w)

	switch ev.Type {
	case engine.NodeClose:
		s.nodeDown(w, ev.Node, fmt.Sprintf("close %d %s", ev.Code, ev.Reason))
	case engine.NodeDisconnect:
		s.nodeDown(w, ev.Node, "disconnect "+ev.Reason)
	case engine.NodeReady:
		s.log.Info().Int("worker", w.Index).Str("node", ev.Node).Msg("node ready")
		if ev.Node == s.cfg.PrimaryNode {
			s.primaryReady(w)
		}
	}
}

func (s *Supervisor) updateLiveNodes(w *pool.Worker) {
	metrics.LiveNodes.WithLabelValues(strconv.Itoa(w.Index)).Set(float64(len(engine.LiveNodes(w.Engine))))
}

// nodeDown marks every affected session of the worker first, then recovers
// them one at a time.
func (s *Supervisor) nodeDown(w *pool.Worker, node, why string) {
	var affected []*session.Session
	for _, sess := range s.sessions.Sessions() {
		if sess.Worker() != w.Index || !sess.HasWork() {
			continue
		}
		if !sess.HasBinding() || sess.NodeName() == node {
			affected = append(affected, sess)
		}
	}
	if len(affected) == 0 {
		s.log.Warn().Int("worker", w.Index).Str("node", node).Str("why", why).Msg("node down, no session affected")
		return
	}

	s.log.Warn().Int("worker", w.Index).Str("node", node).Str("why", why).Int("sessions", len(affected)).Msg("node down, recovering sessions")
	for _, sess := range affected {
		sess.MarkNodeDown(fmt.Sprintf("node %s %s", node, why))
	}

	name := fmt.Sprintf("recover:%d:%s", w.Index, node)
	if err := s.jobs.StartAsync(name, func(ctx context.Context) error {
		for _, sess := range affected {
			if err := s.recoverPacer.Wait(ctx); err != nil {
				return err
			}
			s.recoverOne(ctx, sess)
		}
		return nil
	}); err != nil {
		// The running sweep or the watchdog picks up what this one would have.
		s.log.Debug().Err(err).Msg("recovery sweep not started")
	}
}

func (s *Supervisor) recoverOne(ctx context.Context, sess *session.Session) {
	ok, err := sess.RecoverIfNeeded(ctx)
	log := s.log.With().Str("guild", sess.GuildID()).Str("room", sess.RoomID()).Logger()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("recovery failed")
	case ok:
		log.Info().Str("node", sess.NodeName()).Msg("recovered")
	}
}

// primaryReady asks sessions of the worker bound elsewhere to come back,
// then tries to move each right away. Sessions busy with a fallback-source
// item defer until their item ends.
func (s *Supervisor) primaryReady(w *pool.Worker) {
	if !s.cfg.MigrateBack {
		return
	}
	var targets []*session.Session
	for _, sess := range s.sessions.Sessions() {
		if sess.Worker() != w.Index || !sess.HasBinding() {
			continue
		}
		if sess.NodeName() != s.cfg.PrimaryNode {
			targets = append(targets, sess)
		}
	}
	if len(targets) == 0 {
		return
	}

	s.log.Info().Int("worker", w.Index).Int("sessions", len(targets)).Msg("primary node ready, moving sessions back")
	for _, sess := range targets {
		sess.RequestMigrateBack("primary ready")
	}

	name := fmt.Sprintf("migrate:%d", w.Index)
	if err := s.jobs.StartAsync(name, func(ctx context.Context) error {
		for _, sess := range targets {
			if err := s.migratePacer.Wait(ctx); err != nil {
				return err
			}
			if _, err := sess.MigrateBackToPrimary(ctx, s.cfg.MigrateBackResume, false); err != nil {
				s.log.Warn().Err(err).Str("guild", sess.GuildID()).Str("room", sess.RoomID()).Msg("migration back failed")
			}
		}
		return nil
	}); err != nil {
		s.log.Debug().Err(err).Msg("migration sweep not started")
	}
}

func (s *Supervisor) watchdog(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Watchdog)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}

// Sweep marks sessions that have work but no usable binding and starts
// their recovery. Sessions in the middle of a join, recovery or migration
// are left alone.
func (s *Supervisor) Sweep() {
	for _, sess := range s.sessions.Sessions() {
		if !sess.HasWork() || sess.BindingUsable() || sess.Busy() {
			continue
		}
		sess.MarkNodeDown("watchdog")
		name := fmt.Sprintf("watchdog:%s:%s", sess.GuildID(), sess.RoomID())
		if err := s.jobs.StartAsync(name, func(ctx context.Context) error {
			s.recoverOne(ctx, sess)
			return nil
		}); err != nil {
			s.log.Debug().Err(err).Msg("watchdog recovery not started")
		}
	}
}

// cmd/multiroom/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/keshon/multiroom/internal/config"
	"github.com/keshon/multiroom/internal/coordinator"
	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/engine/memengine"
	"github.com/keshon/multiroom/internal/logging"
	"github.com/keshon/multiroom/internal/pool"
	"github.com/keshon/multiroom/internal/session"
	"github.com/keshon/multiroom/internal/statusserver"
	"github.com/keshon/multiroom/internal/supervisor"
)

const (
	appName          = "multiroom"
	engineReportWait = 5 * time.Second
	simCatalogSize   = 5
)

func main() {
	if err := config.LoadDotEnv(); err != nil && !os.IsNotExist(err) {
		zlog.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, closer := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Pretty: cfg.LogPretty})
	defer closer.Close()
	logger.Info().Msgf("Starting %s...", appName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every worker sees the same simulated node set through its own registry.
	var cluster memengine.Cluster
	engines := func(int) engine.Registry {
		reg := memengine.New(memengine.WithCatalog(memengine.EchoCatalog(simCatalogSize)))
		for _, n := range cfg.Nodes {
			reg.AddNode(n.Name, engine.NodeUp, engine.NodeStats{})
		}
		cluster = append(cluster, reg)
		return reg
	}

	var workers []*pool.Worker
	if cfg.DiscordLogin {
		workers, err = pool.NewWorkers(cfg.ManagerToken, cfg.WorkerTokens, engines)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create gateway sessions")
		}
	} else {
		logger.Warn().Str("guild", cfg.SimGuildID).Int("workers", cfg.SimWorkers).Msg("chat login disabled, running offline")
		workers = pool.NewOfflineWorkers(cfg.SimGuildID, cfg.SimWorkers, engines)
	}

	p, err := pool.New(workers, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build worker pool")
	}
	defer p.Close()

	coord := coordinator.New(ctx, p, coordinatorConfig(cfg), logger)
	defer coord.Close()

	sup := supervisor.New(p, coord, supervisorConfig(cfg), logger)
	if err := sup.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start failover supervisor")
	}
	defer sup.Stop()

	errCh := make(chan error, 1)
	status := statusserver.New(cfg.StatusAddr, p, coord, cluster, logger)
	go func() {
		if err := status.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := p.Open(ctx, cfg.WorkerLoginDelay); err != nil {
			errCh <- err
			return
		}
		coord.JoinConfiguredRooms(ctx)
	}()

	go reportEngines(ctx, p, logger)
	go watchChanges(ctx, coord, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal runtime error")
	}
	cancel()

	logger.Info().Msgf("%s exited cleanly", appName)
}

func sessionOptions(cfg *config.Config) session.Options {
	primary, fallback, _ := cfg.Sources()
	o := session.Defaults()
	o.PrimaryNode = cfg.PrimaryNode
	o.PrimarySource = primary
	o.FallbackSource = fallback
	o.PrimarySourceFallback = cfg.PrimarySourceFallback
	o.MigrateBack = cfg.MigrateBack
	o.MigrateBackResume = cfg.MigrateBackResume
	o.MigrateBackAllowFallbackSource = cfg.MigrateBackAllowFallbackSource
	o.NodeReadyTimeout = cfg.EngineReadyTimeout
	o.SearchTake = cfg.SearchTake
	return o
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := coordinator.DefaultConfig()
	c.Rooms = cfg.Rooms
	c.Session = sessionOptions(cfg)
	c.Debounce = cfg.PanelRefreshDebounce
	c.ReadyTimeout = cfg.EngineReadyTimeout
	c.RoomJoinDelay = cfg.RoomJoinDelay
	return c
}

func supervisorConfig(cfg *config.Config) supervisor.Config {
	c := supervisor.DefaultConfig()
	c.PrimaryNode = cfg.PrimaryNode
	c.MigrateBack = cfg.MigrateBack
	c.MigrateBackResume = cfg.MigrateBackResume
	c.RecoverStagger = cfg.FailoverRecoverStagger
	c.MigrateStagger = cfg.MigrateBackStagger
	c.Watchdog = cfg.FailoverWatchdog
	return c
}

// reportEngines logs each worker's node states once the pool had time to
// connect.
func reportEngines(ctx context.Context, p *pool.Pool, log zerolog.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(engineReportWait):
	}
	for _, w := range p.Workers() {
		if w.Engine == nil {
			log.Warn().Int("worker", w.Index).Msg("worker has no engine")
			continue
		}
		var states []string
		for _, n := range w.Engine.Nodes() {
			states = append(states, n.Name()+"="+n.State().String())
		}
		ev := log.Info()
		if len(engine.LiveNodes(w.Engine)) == 0 {
			ev = log.Warn()
		}
		ev.Int("worker", w.Index).Str("nodes", strings.Join(states, ",")).Msg("engine status")
	}
}

// watchChanges stands in for a panel renderer.
func watchChanges(ctx context.Context, coord *coordinator.Coordinator, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-coord.Changes():
		}
		for _, s := range coord.Sessions() {
			st := s.Status()
			ev := log.Debug().Str("guild", s.GuildID()).Str("room", s.RoomID()).Str("node", st.NodeName).Int("queue", st.TotalQueue)
			if st.Current != nil {
				ev = ev.Str("current", st.Current.Title)
			}
			ev.Msg("session state")
		}
	}
}

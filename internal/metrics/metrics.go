package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "multiroom"

var (
	// Joins counts room join attempts by result: ok/adopted/no_node/failed
	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Room join attempts",
		},
		[]string{"result"},
	)

	// Recoveries counts finished recovery runs by result: ok/failed
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Session recovery runs after node loss",
		},
		[]string{"result"},
	)

	// Migrations counts migrate-back attempts by result: ok/deferred/failed
	Migrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Migrations back to the primary node",
		},
		[]string{"result"},
	)

	// PlaybackFailures counts playback problems by kind: exception/stuck/closed/play_error
	PlaybackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_failures_total",
			Help:      "Playback failures reported by the engine",
		},
		[]string{"kind"},
	)

	// Replacements counts items swapped for another source's result.
	Replacements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replacements_total",
			Help:      "Items replaced by a fallback search result",
		},
		[]string{"reason"},
	)

	NodeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_events_total",
			Help:      "Engine node lifecycle events seen by the supervisor",
		},
		[]string{"node", "type"},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Playback sessions held by the coordinator",
		},
	)

	// LiveNodes tracks live engine nodes per worker
	LiveNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_nodes",
			Help:      "Live engine nodes per worker",
		},
		[]string{"worker"},
	)
)

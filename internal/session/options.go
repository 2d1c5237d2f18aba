package session

import (
	"time"

	"github.com/keshon/multiroom/internal/music/sources"
)

// Options tunes a session. Zero values are replaced by Defaults.
type Options struct {
	// PrimaryNode is the preferred engine node.
	PrimaryNode string

	// PrimarySource is searched while bound to a live primary node. Its
	// items are only playable there.
	PrimarySource  sources.Source
	FallbackSource sources.Source

	// PrimarySourceFallback swaps primary-source items for a fallback
	// search result when the primary node is unavailable.
	PrimarySourceFallback bool

	MigrateBack       bool
	MigrateBackResume bool
	// MigrateBackAllowFallbackSource lets a session move to the primary
	// node while fallback-source items are playing or queued.
	MigrateBackAllowFallbackSource bool

	NodeReadyTimeout time.Duration

	JoinRetries          int
	JoinBackoff          time.Duration
	ExistingPollAttempts int
	ExistingPollInterval time.Duration

	RecoverAttempts int
	RecoverBackoff  time.Duration

	Volume          int
	SearchTake      int
	ConvertTake     int
	ExceptionTake   int
	AlternativeTake int
}

// Defaults returns the stock options.
func Defaults() Options {
	primary, _ := sources.Lookup(sources.SourceSoundCloud)
	fallback, _ := sources.Lookup(sources.SourceYouTube)
	return Options{
		PrimaryNode:           "main",
		PrimarySource:         primary,
		FallbackSource:        fallback,
		PrimarySourceFallback: true,
		MigrateBackResume:     true,
		NodeReadyTimeout:      30 * time.Second,
		JoinRetries:           3,
		JoinBackoff:           800 * time.Millisecond,
		ExistingPollAttempts:  10,
		ExistingPollInterval:  300 * time.Millisecond,
		RecoverAttempts:       6,
		RecoverBackoff:        800 * time.Millisecond,
		Volume:                100,
		SearchTake:            1,
		ConvertTake:           8,
		ExceptionTake:         10,
		AlternativeTake:       8,
	}
}

func (o Options) withDefaults() Options {
	d := Defaults()
	if o.PrimarySource.Name == "" {
		o.PrimarySource = d.PrimarySource
	}
	if o.FallbackSource.Name == "" {
		o.FallbackSource = d.FallbackSource
	}
	if o.NodeReadyTimeout <= 0 {
		o.NodeReadyTimeout = d.NodeReadyTimeout
	}
	if o.JoinRetries <= 0 {
		o.JoinRetries = d.JoinRetries
	}
	if o.JoinBackoff <= 0 {
		o.JoinBackoff = d.JoinBackoff
	}
	if o.ExistingPollAttempts <= 0 {
		o.ExistingPollAttempts = d.ExistingPollAttempts
	}
	if o.ExistingPollInterval <= 0 {
		o.ExistingPollInterval = d.ExistingPollInterval
	}
	if o.RecoverAttempts <= 0 {
		o.RecoverAttempts = d.RecoverAttempts
	}
	if o.RecoverBackoff <= 0 {
		o.RecoverBackoff = d.RecoverBackoff
	}
	if o.Volume <= 0 {
		o.Volume = d.Volume
	}
	if o.SearchTake <= 0 {
		o.SearchTake = d.SearchTake
	}
	if o.ConvertTake <= 0 {
		o.ConvertTake = d.ConvertTake
	}
	if o.ExceptionTake <= 0 {
		o.ExceptionTake = d.ExceptionTake
	}
	if o.AlternativeTake <= 0 {
		o.AlternativeTake = d.AlternativeTake
	}
	return o
}

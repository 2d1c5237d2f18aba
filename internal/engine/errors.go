package engine

import (
	"errors"
	"regexp"
)

var (
	// ErrAborted is a transient join failure worth retrying.
	ErrAborted = errors.New("engine: operation was aborted")
	// ErrAlreadyConnected means the registry already holds a connection for the guild.
	ErrAlreadyConnected = errors.New("engine: already have an existing connection")
	// ErrNoNodes means no node is registered or connected.
	ErrNoNodes = errors.New("engine: no connected nodes")
)

var (
	abortedPattern   = regexp.MustCompile(`(?i)(aborterror|operation was aborted)`)
	connectedPattern = regexp.MustCompile(`(?i)already have an existing connection`)
)

// IsAborted reports whether err is a transient abort, either wrapped or by message.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) || abortedPattern.MatchString(err.Error())
}

// IsAlreadyConnected reports whether err says the guild already has a connection.
func IsAlreadyConnected(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAlreadyConnected) || connectedPattern.MatchString(err.Error())
}

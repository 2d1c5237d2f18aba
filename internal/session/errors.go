package session

import (
	"errors"

	"github.com/keshon/multiroom/internal/music/sources"
)

var (
	ErrNoEngineNode = errors.New("no engine node available")
	ErrJoinFailed   = errors.New("room join failed")
	ErrResolveEmpty = errors.New("nothing found")
	ErrResolveError = errors.New("engine failed to resolve")
	ErrEmptyQuery   = sources.ErrEmptyQuery
	ErrInvalidTrack = errors.New("track has no playable payload")
	ErrNotConnected = errors.New("session has no engine binding")
)

package memengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keshon/multiroom/internal/engine"
)

// ErrDestroyed is returned by calls on a binding that left or lost its node.
var ErrDestroyed = errors.New("memengine: binding destroyed")

// Binding is a simulated guild player.
type Binding struct {
	guildID string
	roomID  string
	node    *Node

	mu        sync.Mutex
	destroyed bool
	track     string
	active    bool
	paused    bool
	position  time.Duration
	volume    int
	playErrs  []error
	stopErrs  []error

	plays  []string
	stops  int
	seeks  []time.Duration
	subs   map[int]func(engine.BindingEvent)
	nextID int
	events dispatcher
}

func (b *Binding) GuildID() string { return b.guildID }
func (b *Binding) RoomID() string  { return b.roomID }

func (b *Binding) Node() engine.Node {
	if b.node == nil {
		return nil
	}
	return b.node
}

func (b *Binding) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Binding) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Binding) Position() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

func (b *Binding) PlayTrack(ctx context.Context, encoded string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	if len(b.playErrs) > 0 {
		err := b.playErrs[0]
		b.playErrs = b.playErrs[1:]
		if err != nil {
			b.mu.Unlock()
			return err
		}
	}
	replaced := b.active
	b.track = encoded
	b.active = true
	b.paused = false
	b.position = 0
	b.plays = append(b.plays, encoded)
	b.mu.Unlock()

	if replaced {
		b.emit(engine.BindingEvent{Type: engine.EventEnd, Reason: engine.EndReplaced})
	}
	return nil
}

func (b *Binding) StopTrack(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	if err := b.usableLocked(); err != nil {
		b.mu.Unlock()
		return false, err
	}
	b.stops++
	if len(b.stopErrs) > 0 {
		err := b.stopErrs[0]
		b.stopErrs = b.stopErrs[1:]
		if err != nil {
			b.mu.Unlock()
			return false, err
		}
	}
	wasActive := b.active
	b.active = false
	b.track = ""
	b.mu.Unlock()

	if wasActive {
		b.emit(engine.BindingEvent{Type: engine.EventEnd, Reason: engine.EndStopped})
	}
	return wasActive, nil
}

func (b *Binding) SetPaused(_ context.Context, paused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	b.paused = paused
	return nil
}

func (b *Binding) SeekTo(_ context.Context, pos time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	b.position = pos
	b.seeks = append(b.seeks, pos)
	return nil
}

func (b *Binding) SetVolume(_ context.Context, pct int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	b.volume = pct
	return nil
}

func (b *Binding) Subscribe(fn func(engine.BindingEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Binding) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// FailNextPlays queues errors returned by the next PlayTrack calls.
func (b *Binding) FailNextPlays(errs ...error) {
	b.mu.Lock()
	b.playErrs = append(b.playErrs, errs...)
	b.mu.Unlock()
}

// FailNextStops queues errors returned by the next StopTrack calls. A
// failed stop leaves the track loaded.
func (b *Binding) FailNextStops(errs ...error) {
	b.mu.Lock()
	b.stopErrs = append(b.stopErrs, errs...)
	b.mu.Unlock()
}

// Plays returns every encoded payload passed to PlayTrack.
func (b *Binding) Plays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.plays...)
}

// Stops returns how many times StopTrack was called.
func (b *Binding) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

// Seeks returns every position passed to SeekTo.
func (b *Binding) Seeks() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Duration(nil), b.seeks...)
}

// Paused reports the engine-side pause flag.
func (b *Binding) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Volume reports the last volume set.
func (b *Binding) Volume() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volume
}

// CurrentTrack returns the encoded payload loaded on the player.
func (b *Binding) CurrentTrack() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.track
}

// Advance moves the playback position forward.
func (b *Binding) Advance(d time.Duration) {
	b.mu.Lock()
	b.position += d
	b.mu.Unlock()
}

// FinishTrack ends the loaded track naturally.
func (b *Binding) FinishTrack() {
	b.mu.Lock()
	wasActive := b.active
	b.active = false
	b.track = ""
	b.mu.Unlock()
	if wasActive {
		b.emit(engine.BindingEvent{Type: engine.EventEnd, Reason: engine.EndFinished})
	}
}

// Exception reports a playback exception for the loaded track.
func (b *Binding) Exception(detail string) {
	b.emit(engine.BindingEvent{Type: engine.EventException, Detail: detail})
}

// Stuck reports the loaded track as stuck.
func (b *Binding) Stuck(detail string) {
	b.emit(engine.BindingEvent{Type: engine.EventStuck, Detail: detail})
}

// Close reports the voice connection as closed by the chat platform.
func (b *Binding) Close(detail string) {
	b.emit(engine.BindingEvent{Type: engine.EventClosed, Detail: detail})
}

func (b *Binding) destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.active = false
	b.mu.Unlock()
}

func (b *Binding) usableLocked() error {
	if b.destroyed {
		return ErrDestroyed
	}
	if b.node != nil && !b.node.State().Live() {
		return fmt.Errorf("node %q is down: %w", b.node.name, ErrDestroyed)
	}
	return nil
}

func (b *Binding) emit(ev engine.BindingEvent) {
	b.events.post(func() {
		b.mu.Lock()
		fns := make([]func(engine.BindingEvent), 0, len(b.subs))
		for _, fn := range b.subs {
			fns = append(fns, fn)
		}
		b.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

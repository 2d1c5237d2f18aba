// Package pool owns the worker identities and the room assignment table.
//
// Identity 0 is the coordinator: it talks to the chat gateway but never
// joins a room. Identities 1..N are playback workers, each with its own
// engine registry. A worker serves at most one room per guild.
package pool

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/multiroom/internal/engine"
	"github.com/keshon/multiroom/internal/logging"
)

var ErrNoCoordinator = errors.New("pool: coordinator identity missing")

// Worker is one chat identity. Engine is nil for the coordinator.
type Worker struct {
	Index      int
	Credential string
	Discord    Gateway
	Engine     engine.Registry
}

// IsCoordinator reports whether w is the non-playing identity.
func (w *Worker) IsCoordinator() bool { return w != nil && w.Index == 0 }

// Pool hands out workers to rooms.
type Pool struct {
	workers []*Worker
	log     zerolog.Logger

	mu sync.Mutex
	// guild -> room -> worker index
	assignments map[string]map[string]int
}

// New builds a pool from workers, the first of which is the coordinator.
// Worker indexes are set from their position.
func New(workers []*Worker, log zerolog.Logger) (*Pool, error) {
	if len(workers) == 0 || workers[0] == nil {
		return nil, ErrNoCoordinator
	}
	for i, w := range workers {
		if w == nil {
			w = &Worker{}
			workers[i] = w
		}
		w.Index = i
	}
	workers[0].Engine = nil
	return &Pool{
		workers:     workers,
		log:         logging.Component(log, "pool"),
		assignments: make(map[string]map[string]int),
	}, nil
}

// Coordinator returns identity 0.
func (p *Pool) Coordinator() *Worker { return p.workers[0] }

// Workers returns the playback workers, 1..N.
func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers[1:]...)
}

// Worker returns the identity at index, coordinator included.
func (p *Pool) Worker(index int) (*Worker, bool) {
	if index < 0 || index >= len(p.workers) {
		return nil, false
	}
	return p.workers[index], true
}

// Size returns the number of playback workers.
func (p *Pool) Size() int { return len(p.workers) - 1 }

func (p *Pool) IsValidWorkerIndex(index int) bool {
	return index >= 1 && index < len(p.workers)
}

// GetAssigned returns the worker assigned to a room.
func (p *Pool) GetAssigned(guildID, roomID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.assignments[guildID][roomID]
	return idx, ok
}

// IsFreeInGuild reports whether no room of the guild uses the worker.
func (p *Pool) IsFreeInGuild(guildID string, index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, used := p.usedByLocked(guildID, index)
	return !used
}

// AllocateSpecific assigns a given worker to the room. It fails when the
// index is not a playback worker or another room of the guild holds it.
func (p *Pool) AllocateSpecific(guildID, roomID string, index int) (int, bool) {
	if !p.IsValidWorkerIndex(index) {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, used := p.usedByLocked(guildID, index); used && owner != roomID {
		return 0, false
	}
	p.assignLocked(guildID, roomID, index)
	return index, true
}

// GetOrAllocate returns the room's worker, assigning the lowest free one
// on first use.
func (p *Pool) GetOrAllocate(guildID, roomID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.assignments[guildID][roomID]; ok {
		return idx, true
	}
	for i := 1; i < len(p.workers); i++ {
		if _, used := p.usedByLocked(guildID, i); !used {
			p.assignLocked(guildID, roomID, i)
			return i, true
		}
	}
	return 0, false
}

// Assignments returns a copy of the assignment table.
func (p *Pool) Assignments() map[string]map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]map[string]int, len(p.assignments))
	for g, rooms := range p.assignments {
		cp := make(map[string]int, len(rooms))
		for r, i := range rooms {
			cp[r] = i
		}
		out[g] = cp
	}
	return out
}

func (p *Pool) usedByLocked(guildID string, index int) (string, bool) {
	for room, used := range p.assignments[guildID] {
		if used == index {
			return room, true
		}
	}
	return "", false
}

func (p *Pool) assignLocked(guildID, roomID string, index int) {
	rooms, ok := p.assignments[guildID]
	if !ok {
		rooms = make(map[string]int)
		p.assignments[guildID] = rooms
	}
	if prev, had := rooms[roomID]; had && prev != index {
		p.log.Info().Str("guild", guildID).Str("room", roomID).Int("from", prev).Int("to", index).Msg("room reassigned")
	}
	rooms[roomID] = index
}

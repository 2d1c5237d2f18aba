package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Room is a voice room the service may play in, optionally pinned to a
// worker (1..N; 0 means any).
type Room struct {
	VoiceChannelID string `yaml:"voiceChannelId"`
	Bot            int    `yaml:"bot"`
}

// Rooms is the operator's room list.
type Rooms struct {
	// RestrictToRooms rejects rooms not in List. Defaults to true.
	RestrictToRooms      bool   `yaml:"restrictToRooms"`
	Keep24_7             bool   `yaml:"keep24_7"`
	ControlTextChannelID string `yaml:"controlTextChannelId"`
	List                 []Room `yaml:"rooms"`
}

// DefaultRooms is used when no rooms file exists.
func DefaultRooms() Rooms {
	return Rooms{RestrictToRooms: true}
}

// LoadRooms reads the YAML rooms file. A missing file yields DefaultRooms.
func LoadRooms(path string) (Rooms, error) {
	rooms := DefaultRooms()
	if path == "" {
		return rooms, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rooms, nil
	}
	if err != nil {
		return rooms, fmt.Errorf("read rooms file: %w", err)
	}
	return ParseRooms(data)
}

// ParseRooms decodes a rooms document. Entries without a voice channel are
// dropped.
func ParseRooms(data []byte) (Rooms, error) {
	rooms := DefaultRooms()
	if err := yaml.Unmarshal(data, &rooms); err != nil {
		return DefaultRooms(), fmt.Errorf("parse rooms file: %w", err)
	}
	kept := rooms.List[:0]
	for _, r := range rooms.List {
		if r.VoiceChannelID != "" {
			kept = append(kept, r)
		}
	}
	rooms.List = kept
	return rooms, nil
}

// Find returns the entry for a voice room.
func (r Rooms) Find(voiceChannelID string) (Room, bool) {
	for _, room := range r.List {
		if room.VoiceChannelID == voiceChannelID {
			return room, true
		}
	}
	return Room{}, false
}

// Allowed reports whether a session may be created in the room.
func (r Rooms) Allowed(voiceChannelID string) bool {
	if !r.RestrictToRooms {
		return true
	}
	_, ok := r.Find(voiceChannelID)
	return ok
}

// PreferredWorker returns the worker pinned to the room, if any.
func (r Rooms) PreferredWorker(voiceChannelID string) (int, bool) {
	room, ok := r.Find(voiceChannelID)
	if !ok || room.Bot < 1 {
		return 0, false
	}
	return room.Bot, true
}

// WantedWorkers returns the distinct workers pinned by the room list.
func (r Rooms) WantedWorkers() []int {
	seen := make(map[int]bool)
	var out []int
	for _, room := range r.List {
		if room.Bot >= 1 && !seen[room.Bot] {
			seen[room.Bot] = true
			out = append(out, room.Bot)
		}
	}
	return out
}

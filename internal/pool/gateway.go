package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/multiroom/internal/engine"
)

// Gateway is a chat identity's connection to the platform gateway.
type Gateway interface {
	Open() error
	Close() error
	// ChannelGuild returns the guild a channel belongs to.
	ChannelGuild(channelID string) (string, error)
}

// Discord is a Gateway backed by a discordgo session.
type Discord struct {
	*discordgo.Session
	coordinator bool
}

// NewDiscord creates a gateway session for token. The coordinator asks for
// message intents, workers only for guild and voice state.
func NewDiscord(token string, coordinator bool) (*Discord, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	d := &Discord{Session: dg, coordinator: coordinator}
	d.configureIntents()
	return d, nil
}

func (d *Discord) configureIntents() {
	intents := discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if d.coordinator {
		intents |= discordgo.IntentsGuildEmojis | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	}
	d.Identify.Intents = intents
}

func (d *Discord) ChannelGuild(channelID string) (string, error) {
	if ch, err := d.State.Channel(channelID); err == nil && ch.GuildID != "" {
		return ch.GuildID, nil
	}
	ch, err := d.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("channel %s is not in a guild", channelID)
	}
	return ch.GuildID, nil
}

// NewWorkers builds the identity list: the coordinator from managerToken,
// then one worker per token. engines supplies each worker's registry.
func NewWorkers(managerToken string, workerTokens []string, engines func(index int) engine.Registry) ([]*Worker, error) {
	coord, err := NewDiscord(managerToken, true)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	workers := []*Worker{{Index: 0, Credential: managerToken, Discord: coord}}
	for i, token := range workerTokens {
		idx := i + 1
		dg, err := NewDiscord(token, false)
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", idx, err)
		}
		w := &Worker{Index: idx, Credential: token, Discord: dg}
		if engines != nil {
			w.Engine = engines(idx)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Open logs every identity in, coordinator first. A coordinator failure is
// returned; a failing worker is logged and skipped.
func (p *Pool) Open(ctx context.Context, loginDelay time.Duration) error {
	coord := p.Coordinator()
	if coord.Discord != nil {
		if err := coord.Discord.Open(); err != nil {
			return fmt.Errorf("failed to open coordinator session: %w", err)
		}
		p.log.Info().Msg("coordinator logged in")
	}

	for _, w := range p.workers[1:] {
		if w.Discord == nil {
			continue
		}
		if loginDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(loginDelay):
			}
		}
		if err := w.Discord.Open(); err != nil {
			p.log.Error().Err(err).Int("worker", w.Index).Msg("worker login failed")
			continue
		}
		p.log.Info().Int("worker", w.Index).Msg("worker logged in")
	}
	return nil
}

// Close closes every gateway session.
func (p *Pool) Close() {
	for _, w := range p.workers {
		if w.Discord == nil {
			continue
		}
		if err := w.Discord.Close(); err != nil {
			p.log.Warn().Err(err).Int("worker", w.Index).Msg("close gateway")
		}
	}
}

// Offline is a Gateway that never connects. It serves runs without chat
// credentials: every channel belongs to Guild.
type Offline struct {
	Guild string
}

func (Offline) Open() error  { return nil }
func (Offline) Close() error { return nil }

func (o Offline) ChannelGuild(channelID string) (string, error) {
	if o.Guild == "" {
		return "", fmt.Errorf("channel %s: no guild configured", channelID)
	}
	return o.Guild, nil
}

// NewOfflineWorkers builds a coordinator and n workers without chat
// connections.
func NewOfflineWorkers(guild string, n int, engines func(index int) engine.Registry) []*Worker {
	workers := []*Worker{{Index: 0, Discord: Offline{Guild: guild}}}
	for i := 1; i <= n; i++ {
		w := &Worker{Index: i, Discord: Offline{Guild: guild}}
		if engines != nil {
			w.Engine = engines(i)
		}
		workers = append(workers, w)
	}
	return workers
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/keshon/multiroom/internal/music/sources"
)

// LoadDotEnv loads .env files into the process environment. A missing
// file is reported but harmless.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// Node is one engine endpoint.
type Node struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Auth   string `json:"auth"`
	Secure bool   `json:"secure"`
}

type Config struct {
	ManagerToken     string        `env:"MANAGER_TOKEN"`
	WorkerTokensRaw  string        `env:"WORKER_TOKENS"`
	DiscordLogin     bool          `env:"DISCORD_LOGIN" envDefault:"true"`
	WorkerLoginDelay time.Duration `env:"WORKER_LOGIN_DELAY" envDefault:"3500ms"`
	SimWorkers       int           `env:"SIM_WORKERS" envDefault:"2"`
	// SimGuildID owns every room when running without chat login.
	SimGuildID string `env:"SIM_GUILD_ID" envDefault:"sim-guild"`

	EngineNodes     string `env:"ENGINE_NODES" envDefault:"main@localhost:2333@youshallnotpass;backup@localhost:2334@youshallnotpass"`
	EngineNodesJSON string `env:"ENGINE_NODES_JSON"`
	PrimaryNode     string `env:"ENGINE_PRIMARY_NAME" envDefault:"main"`

	PrimarySource         string `env:"PRIMARY_SOURCE" envDefault:"soundcloud"`
	FallbackSource        string `env:"FALLBACK_SOURCE" envDefault:"youtube"`
	PrimarySearchPrefix   string `env:"PRIMARY_SEARCH_PREFIX"`
	FallbackSearchPrefix  string `env:"FALLBACK_SEARCH_PREFIX"`
	PrimarySourceFallback bool   `env:"PRIMARY_SOURCE_FALLBACK" envDefault:"true"`

	MigrateBack                    bool          `env:"AUTO_MIGRATE_BACK_TO_PRIMARY" envDefault:"false"`
	MigrateBackResume              bool          `env:"AUTO_MIGRATE_BACK_RESUME" envDefault:"true"`
	MigrateBackAllowFallbackSource bool          `env:"AUTO_MIGRATE_BACK_ALLOW_FALLBACK_SOURCE" envDefault:"false"`
	MigrateBackStagger             time.Duration `env:"AUTO_MIGRATE_BACK_STAGGER" envDefault:"700ms"`

	EngineReadyTimeout     time.Duration `env:"ENGINE_READY_TIMEOUT" envDefault:"30s"`
	FailoverWatchdog       time.Duration `env:"FAILOVER_WATCHDOG" envDefault:"8s"`
	FailoverRecoverStagger time.Duration `env:"FAILOVER_RECOVER_STAGGER" envDefault:"600ms"`
	RoomJoinDelay          time.Duration `env:"ROOM_JOIN_DELAY" envDefault:"800ms"`
	SearchTake             int           `env:"SEARCH_TAKE" envDefault:"1"`
	PanelRefreshDebounce   time.Duration `env:"PANEL_REFRESH_DEBOUNCE" envDefault:"650ms"`

	RoomsFile  string `env:"ROOMS_FILE" envDefault:"rooms.yaml"`
	StatusAddr string `env:"STATUS_ADDR" envDefault:":8787"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile   string `env:"LOG_FILE"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"true"`

	// Filled by Load.
	WorkerTokens []string
	Nodes        []Node
	Rooms        Rooms
}

// Load reads the process environment and the rooms file.
func Load() (*Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom reads configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.WorkerTokens = workerTokens(environ)

	nodes, err := ParseNodes(cfg.EngineNodesJSON, cfg.EngineNodes)
	if err != nil {
		return nil, err
	}
	cfg.Nodes = nodes

	rooms, err := LoadRooms(cfg.RoomsFile)
	if err != nil {
		return nil, err
	}
	cfg.Rooms = rooms

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DiscordLogin {
		if c.ManagerToken == "" {
			errs = append(errs, errors.New("MANAGER_TOKEN is not set"))
		}
		if len(c.WorkerTokens) == 0 {
			errs = append(errs, errors.New("WORKER_TOKENS is empty"))
		}
	} else if c.SimWorkers < 1 {
		errs = append(errs, errors.New("SIM_WORKERS must be at least 1"))
	}
	if len(c.Nodes) == 0 {
		errs = append(errs, errors.New("no engine nodes configured"))
	}
	if _, _, err := c.Sources(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range c.Rooms.List {
		if r.Bot < 0 || r.Bot > c.WorkerCount() {
			errs = append(errs, fmt.Errorf("room %s: bot %d out of range 1..%d", r.VoiceChannelID, r.Bot, c.WorkerCount()))
		}
	}
	return errors.Join(errs...)
}

// WorkerCount is the number of playback identities.
func (c *Config) WorkerCount() int {
	if c.DiscordLogin {
		return len(c.WorkerTokens)
	}
	return c.SimWorkers
}

// Sources returns the configured primary and fallback search providers.
func (c *Config) Sources() (primary, fallback sources.Source, err error) {
	primary, ok := sources.Lookup(c.PrimarySource)
	if !ok {
		return primary, fallback, fmt.Errorf("unknown PRIMARY_SOURCE %q", c.PrimarySource)
	}
	fallback, ok = sources.Lookup(c.FallbackSource)
	if !ok {
		return primary, fallback, fmt.Errorf("unknown FALLBACK_SOURCE %q", c.FallbackSource)
	}
	return primary.WithPrefix(c.PrimarySearchPrefix), fallback.WithPrefix(c.FallbackSearchPrefix), nil
}

var (
	tokenPartKey   = regexp.MustCompile(`^WORKER_TOKENS_(\d+)$`)
	tokenSeparator = regexp.MustCompile(`[\r\n,]+`)
)

// workerTokens joins WORKER_TOKENS and WORKER_TOKENS_1..N in numeric order
// and splits them on commas and newlines.
func workerTokens(environ map[string]string) []string {
	parts := []string{environ["WORKER_TOKENS"]}

	type numbered struct {
		n   int
		val string
	}
	var extra []numbered
	for k, v := range environ {
		m := tokenPartKey.FindStringSubmatch(k)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		extra = append(extra, numbered{n, v})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].n < extra[j].n })
	for _, e := range extra {
		parts = append(parts, e.val)
	}

	var out []string
	for _, t := range tokenSeparator.Split(strings.Join(parts, ","), -1) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParseNodes reads engine nodes from the JSON list and the
// "name@host:port@auth@secure;..." list, JSON first. Entries without an
// address or auth are skipped.
func ParseNodes(jsonList, simple string) ([]Node, error) {
	var nodes []Node

	if strings.TrimSpace(jsonList) != "" {
		var raw []Node
		if err := json.Unmarshal([]byte(jsonList), &raw); err != nil {
			return nil, fmt.Errorf("ENGINE_NODES_JSON: %w", err)
		}
		for _, n := range raw {
			if n.URL == "" || n.Auth == "" {
				continue
			}
			if n.Name == "" {
				n.Name = fmt.Sprintf("node%d", len(nodes)+1)
			}
			nodes = append(nodes, n)
		}
	}

	for _, part := range strings.Split(simple, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, "@")
		if len(fields) < 3 || fields[1] == "" || fields[2] == "" {
			continue
		}
		n := Node{Name: fields[0], URL: fields[1], Auth: fields[2]}
		if len(fields) > 3 {
			n.Secure = parseBool(fields[3])
		}
		if n.Name == "" {
			n.Name = fmt.Sprintf("node%d", len(nodes)+1)
		}
		nodes = append(nodes, n)
	}

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.Name] {
			return nil, fmt.Errorf("duplicate engine node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	return nodes, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1"
}

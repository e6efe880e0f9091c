// Package config loads the broker's environment-variable configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment input that affects broker behavior (spec §6).
type Config struct {
	AdminSecret string `env:"ADMIN_SECRET"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"5"`

	SessionIdleTimeout     time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	SessionAbsoluteTimeout time.Duration `env:"SESSION_ABSOLUTE_TIMEOUT" envDefault:"12h"`

	Relays    []string `env:"RELAYS" envSeparator:"," envDefault:"wss://relay.damus.io,wss://relay.nsec.app"`
	MaxRelays int      `env:"MAX_RELAYS" envDefault:"12"`

	Headless bool `env:"HEADLESS" envDefault:"false"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`
	DataDir    string `env:"DATA_DIR" envDefault:"./data"`
	RedisURL   string `env:"REDIS_URL"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	RequestTTL         time.Duration `env:"REQUEST_TTL" envDefault:"10m"`
	QueueMaxPerSession int           `env:"QUEUE_MAX_PER_SESSION" envDefault:"256"`
	IdentityTimeout    time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"30s"`
}

// Load parses the environment into a Config and validates derived invariants.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment config: %w", err)
	}

	cfg.Relays = normalizeRelayList(cfg.Relays)
	if cfg.MaxRelays <= 0 {
		return nil, fmt.Errorf("MAX_RELAYS must be positive, got %d", cfg.MaxRelays)
	}
	if len(cfg.Relays) > cfg.MaxRelays {
		cfg.Relays = cfg.Relays[:cfg.MaxRelays]
	}

	return cfg, nil
}

func normalizeRelayList(relays []string) []string {
	out := make([]string, 0, len(relays))
	seen := make(map[string]bool, len(relays))
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

package cubesync

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds client construction options. Zero durations are filled with
// the protocol defaults by New; the boolean gates mean exactly what they
// say, so start from DefaultConfig or ConfigFromEnv to get the conventional
// reconnect/sync-on behavior.
type Config struct {
	// URL of the sync server, e.g. ws://host:port/sync.
	URL string `env:"CUBESYNC_URL"`

	// AutoReconnect re-dials after transport loss with 500-1000 ms of jitter.
	AutoReconnect bool `env:"CUBESYNC_AUTO_RECONNECT" envDefault:"true"`

	// AllowSync observes local document mutations and mirrors them to the
	// server as patches. Disable for read-only replicas.
	AllowSync bool `env:"CUBESYNC_ALLOW_SYNC" envDefault:"true"`

	// ExcludedFields are field names that are never mirrored outbound even
	// when AllowSync is on. A name is matched against the last path segment
	// at any depth.
	ExcludedFields []string `env:"CUBESYNC_EXCLUDED_FIELDS" envSeparator:","`

	// AllowRTC negotiates the unreliable datagram channel after connect.
	AllowRTC bool `env:"CUBESYNC_ALLOW_RTC" envDefault:"false"`

	// Debug enables console logging when no Logger is supplied.
	Debug bool `env:"CUBESYNC_DEBUG" envDefault:"false"`

	// TickInterval is the outbound change-log drain rate.
	TickInterval time.Duration `env:"CUBESYNC_TICK_INTERVAL" envDefault:"200ms"`

	// StatsInterval is the bandwidth snapshot rate.
	StatsInterval time.Duration `env:"CUBESYNC_STATS_INTERVAL" envDefault:"1s"`

	// PingInterval is the clock-sync probe rate.
	PingInterval time.Duration `env:"CUBESYNC_PING_INTERVAL" envDefault:"10s"`

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration `env:"CUBESYNC_HANDSHAKE_TIMEOUT" envDefault:"10s"`

	// Logger receives client diagnostics. Defaults to a disabled logger, or
	// a console writer at debug level when Debug is set.
	Logger *zerolog.Logger `env:"-"`
}

// DefaultConfig returns the protocol defaults for a server URL: reconnect
// and outbound sync on, unreliable channel off.
func DefaultConfig(url string) Config {
	return Config{URL: url, AutoReconnect: true, AllowSync: true}
}

// ConfigFromEnv builds a Config from the environment, loading a .env file
// first when one exists.
func ConfigFromEnv() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) fillDefaults() {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
}

func (cfg *Config) logger() zerolog.Logger {
	if cfg.Logger != nil {
		return *cfg.Logger
	}
	if cfg.Debug {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Str("component", "cubesync").Logger()
	}
	return zerolog.Nop()
}

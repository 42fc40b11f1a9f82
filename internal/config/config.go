// Package config centralizes dbgd's daemon tunables.
//
// DEPENDENCY: This package requires github.com/joho/godotenv.
// Run: go get github.com/joho/godotenv
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dbgcli/dbgd/internal/logging"
)

// Config holds every environment-overridable daemon setting. The daemon
// reads SocketPath, EventsDBPath, DefaultCommandTimeout and
// AttachBaseTimeout; FlushInterval, DomainEnableTimeout, DAPKillGrace,
// DAPStderrTailBytes and ProcOutputMaxBytes are loaded here but no other
// package reads them.
type Config struct {
	// SocketPath is the Unix-domain socket the daemon front-end listens on.
	SocketPath string
	// EventsDBPath is the sqlite file backing the event store.
	EventsDBPath string
	// FlushInterval is the event-store writer's periodic flush period.
	FlushInterval time.Duration
	// DomainEnableTimeout bounds each best-effort CDP domain-enable call.
	DomainEnableTimeout time.Duration
	// DefaultCommandTimeout bounds a dispatched command with no more
	// specific timeout (spec §5).
	DefaultCommandTimeout time.Duration
	// AttachBaseTimeout is the `base` in the attach command-timeout formula
	// base*attempts + 30s (spec §9 open question — formula retained as-is).
	AttachBaseTimeout time.Duration
	// DAPKillGrace is the SIGTERM-to-SIGKILL grace period on manual close.
	DAPKillGrace time.Duration
	// DAPStderrTailBytes bounds the stderr sliding tail kept for diagnosis.
	DAPStderrTailBytes int
	// ProcOutputMaxBytes bounds the managed-subprocess terminal scrollback.
	ProcOutputMaxBytes int
}

// Default returns the built-in defaults before environment overrides.
func Default() Config {
	return Config{
		SocketPath:            "/tmp/dbg.sock",
		EventsDBPath:          "/tmp/dbg-events.db",
		FlushInterval:         100 * time.Millisecond,
		DomainEnableTimeout:   500 * time.Millisecond,
		DefaultCommandTimeout: 60 * time.Second,
		AttachBaseTimeout:     10 * time.Second,
		DAPKillGrace:          1500 * time.Millisecond,
		DAPStderrTailBytes:    2048,
		ProcOutputMaxBytes:    128 * 1024,
	}
}

// Load reads a .env file if present (logged at debug level, not fatal, on
// absence), then
// applies environment overrides on top of Default().
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.S().Debugf("no .env file found, using process environment: %v", err)
	}

	cfg := Default()

	if v := os.Getenv("DBG_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("DBG_EVENTS_DB"); v != "" {
		cfg.EventsDBPath = v
	}
	if v, err := durationEnv("DBG_FLUSH_INTERVAL"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.FlushInterval = v
	}
	if v, err := durationEnv("DBG_DOMAIN_ENABLE_TIMEOUT"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.DomainEnableTimeout = v
	}
	if v, err := durationEnv("DBG_DEFAULT_COMMAND_TIMEOUT"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.DefaultCommandTimeout = v
	}
	if v, err := durationEnv("DBG_ATTACH_BASE_TIMEOUT"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.AttachBaseTimeout = v
	}
	if v, err := intEnv("DBG_STDERR_TAIL_BYTES"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.DAPStderrTailBytes = v
	}
	if v, err := intEnv("DBG_PROC_OUTPUT_MAX_BYTES"); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.ProcOutputMaxBytes = v
	}

	return cfg, cfg.Validate()
}

// Validate rejects nonsensical settings early rather than failing deep in a
// subsystem later.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("config: socket path must not be empty")
	}
	if c.EventsDBPath == "" {
		return fmt.Errorf("config: events db path must not be empty")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: flush interval must be positive")
	}
	return nil
}

func durationEnv(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s=%q: %w", name, v, err)
	}
	return d, nil
}

func intEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s=%q: %w", name, v, err)
	}
	return n, nil
}

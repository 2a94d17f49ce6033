// Package config loads runtime settings from the environment. Every knob
// has a sensible default so a bare `ccbot` invocation works out of the box.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime settings. Supervision knobs map one-to-one onto
// runner.Config.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    string
	ClaudePath  string
	ApprovedDir string // sessions may only use working directories under this root
	MaxTurns    int

	TurnTimeout        time.Duration
	ReadTimeout        time.Duration
	GracePeriod        time.Duration
	MaxSessionsPerUser int
	IdleThreshold      time.Duration
	SweepInterval      time.Duration
	QueueCeiling       int
	MaxHealthFailures  int
}

// Load reads CCBOT_* environment variables, applying defaults for anything
// unset. Returns an error for values that parse but make no sense.
func Load() (Config, error) {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}

	cfg := Config{
		ListenAddr:  envStr("CCBOT_LISTEN_ADDR", "127.0.0.1:8466"),
		DBPath:      envStr("CCBOT_DB_PATH", filepath.Join(home, ".ccbot", "ccbot.db")),
		LogLevel:    envStr("CCBOT_LOG_LEVEL", "info"),
		ClaudePath:  envStr("CCBOT_CLAUDE_PATH", "claude"),
		ApprovedDir: envStr("CCBOT_APPROVED_DIR", home),
		MaxTurns:    50,

		TurnTimeout:        600 * time.Second,
		ReadTimeout:        30 * time.Second,
		GracePeriod:        5 * time.Second,
		MaxSessionsPerUser: 5,
		IdleThreshold:      30 * time.Minute,
		SweepInterval:      5 * time.Minute,
		QueueCeiling:       1000,
		MaxHealthFailures:  3,
	}

	var err error
	if cfg.MaxTurns, err = envInt("CCBOT_MAX_TURNS", cfg.MaxTurns); err != nil {
		return cfg, err
	}
	if cfg.TurnTimeout, err = envDuration("CCBOT_TURN_TIMEOUT", cfg.TurnTimeout); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = envDuration("CCBOT_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return cfg, err
	}
	if cfg.GracePeriod, err = envDuration("CCBOT_GRACE_PERIOD", cfg.GracePeriod); err != nil {
		return cfg, err
	}
	if cfg.MaxSessionsPerUser, err = envInt("CCBOT_MAX_SESSIONS_PER_USER", cfg.MaxSessionsPerUser); err != nil {
		return cfg, err
	}
	if cfg.IdleThreshold, err = envDuration("CCBOT_IDLE_THRESHOLD", cfg.IdleThreshold); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = envDuration("CCBOT_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return cfg, err
	}
	if cfg.QueueCeiling, err = envInt("CCBOT_QUEUE_CEILING", cfg.QueueCeiling); err != nil {
		return cfg, err
	}
	if cfg.MaxHealthFailures, err = envInt("CCBOT_MAX_HEALTH_FAILURES", cfg.MaxHealthFailures); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn timeout must be positive, got %s", c.TurnTimeout)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.GracePeriod)
	}
	if c.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("max sessions per user must be positive, got %d", c.MaxSessionsPerUser)
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle threshold must be positive, got %s", c.IdleThreshold)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.QueueCeiling <= 0 {
		return fmt.Errorf("queue ceiling must be positive, got %d", c.QueueCeiling)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

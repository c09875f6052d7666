package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Backend    BackendConfig    `json:"backend"`
	Janitor    *JanitorConfig   `json:"janitor,omitempty"`
	Policy     *PolicyConfig    `json:"policy,omitempty"`
	Diag       *DiagConfig      `json:"diag,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./workd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DispatcherConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 0 (unlimited)
//   - poll_interval: "30s"
//   - history_size: 200
type DispatcherConfig struct {
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// BackendConfig controls the local execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
type BackendConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// JanitorConfig controls pruning of terminal items. If the section is
// omitted the janitor defaults to enabled with a daily sweep.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "0 3 * * *"
	Retain   string `json:"retain,omitempty"`   // Go duration string, default "168h"
}

// DiagConfig controls the optional diagnostics HTTP endpoint (liveness,
// stats, pprof). Off unless the section is present and enabled.
type DiagConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback bind without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}

// PolicyConfig tunes enqueue validation.
type PolicyConfig struct {
	// PeriodicFloor is the minimum interval for periodic work.
	// Empty keeps the built-in 15m floor.
	PeriodicFloor string `json:"periodic_floor,omitempty"`
	// ClampPeriodic raises sub-floor intervals to the floor instead of
	// rejecting the request.
	ClampPeriodic bool `json:"clamp_periodic,omitempty"`
}

// ParseDurationField parses one schema duration string. Empty means zero;
// negative values are rejected. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for fields
// where zero means "use the default".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

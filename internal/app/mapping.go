package app

import (
	"fmt"
	"strings"
	"time"

	"workd/internal/backend"
	"workd/internal/config"
	"workd/internal/dispatch"
	"workd/internal/observability/diag"
	"workd/internal/store"
	"workd/internal/work"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := parseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	sc := store.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}
	switch driver {
	case "memory":
	case "sqlite":
		if sc.Path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return store.Config{}, fmt.Errorf("storage.driver: unknown driver %q", driver)
	}
	return sc, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	if cfg.Dispatcher.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.rate_per_sec must be >= 0")
	}
	if cfg.Dispatcher.HistorySize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.history_size must be >= 0")
	}
	poll, err := parseDurationField("dispatcher.poll_interval", cfg.Dispatcher.PollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:   cfg.Dispatcher.RatePerSec,
		PollInterval: poll,
		HistorySize:  cfg.Dispatcher.HistorySize,
	}, nil
}

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	if cfg.Backend.Workers < 0 {
		return backend.Config{}, fmt.Errorf("backend.workers must be >= 0")
	}
	if cfg.Backend.QueueSize < 0 {
		return backend.Config{}, fmt.Errorf("backend.queue_size must be >= 0")
	}
	timeout, err := parseDurationField("backend.default_timeout", cfg.Backend.DefaultTimeout)
	if err != nil {
		return backend.Config{}, err
	}
	bc := backend.Config{
		Workers:        cfg.Backend.Workers,
		QueueSize:      cfg.Backend.QueueSize,
		DefaultTimeout: timeout,
	}
	if bc.Workers <= 0 {
		bc.Workers = 2
	}
	if bc.QueueSize <= 0 {
		bc.QueueSize = 256
	}
	return bc, nil
}

func mapPolicy(cfg *config.Config) (work.Policy, error) {
	var pol work.Policy
	if cfg.Policy == nil {
		return pol, nil
	}
	floor, err := parseDurationField("policy.periodic_floor", cfg.Policy.PeriodicFloor)
	if err != nil {
		return work.Policy{}, err
	}
	pol.PeriodicFloor = floor
	pol.ClampPeriodic = cfg.Policy.ClampPeriodic
	return pol, nil
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	var dc diag.Config
	if cfg.Diag == nil {
		return dc, nil
	}
	dc.Enabled = cfg.Diag.Enabled
	dc.Addr = strings.TrimSpace(cfg.Diag.Addr)
	dc.Token = strings.TrimSpace(cfg.Diag.Token)
	dc.AllowInsecure = cfg.Diag.AllowInsecure
	return dc, nil
}

type janitorSettings struct {
	Enabled  bool
	Schedule string
	Retain   time.Duration
}

func mapJanitorConfig(cfg *config.Config) (janitorSettings, error) {
	js := janitorSettings{Enabled: true, Schedule: "0 3 * * *", Retain: 7 * 24 * time.Hour}
	if cfg.Janitor == nil {
		return js, nil
	}
	js.Enabled = cfg.Janitor.Enabled
	if s := strings.TrimSpace(cfg.Janitor.Schedule); s != "" {
		js.Schedule = s
	}
	retain, err := parseDurationOrDefault("janitor.retain", cfg.Janitor.Retain, js.Retain)
	if err != nil {
		return janitorSettings{}, err
	}
	js.Retain = retain
	return js, nil
}

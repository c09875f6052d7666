package config

import (
	"reflect"
	"sort"
	"strings"

	logx "workd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (a driver/path change needs a restart; surface it loudly)
	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Dispatcher
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.rate_per_sec", newCfg.Dispatcher.RatePerSec),
			logx.String("dispatcher.poll_interval", strings.TrimSpace(newCfg.Dispatcher.PollInterval)),
			logx.Int("dispatcher.history_size", newCfg.Dispatcher.HistorySize),
		)
	}

	// Backend
	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.Int("backend.workers", newCfg.Backend.Workers),
			logx.Int("backend.queue_size", newCfg.Backend.QueueSize),
			logx.String("backend.default_timeout", strings.TrimSpace(newCfg.Backend.DefaultTimeout)),
		)
	}

	// Janitor (nil means built-in defaults)
	defJ := &JanitorConfig{Enabled: true, Schedule: "0 3 * * *", Retain: "168h"}
	oldJ, newJ := oldCfg.Janitor, newCfg.Janitor
	if oldJ == nil {
		oldJ = defJ
	}
	if newJ == nil {
		newJ = defJ
	}
	if !reflect.DeepEqual(*oldJ, *newJ) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newJ.Enabled),
			logx.String("janitor.schedule", strings.TrimSpace(newJ.Schedule)),
			logx.String("janitor.retain", strings.TrimSpace(newJ.Retain)),
		)
	}

	// Policy (nil means built-in defaults)
	defP := &PolicyConfig{}
	oldP, newP := oldCfg.Policy, newCfg.Policy
	if oldP == nil {
		oldP = defP
	}
	if newP == nil {
		newP = defP
	}
	if *oldP != *newP {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.String("policy.periodic_floor", strings.TrimSpace(newP.PeriodicFloor)),
			logx.Bool("policy.clamp_periodic", newP.ClampPeriodic),
		)
	}

	// Diag (nil means disabled)
	defD := &DiagConfig{}
	oldD, newD := oldCfg.Diag, newCfg.Diag
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if *oldD != *newD {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newD.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("diag.token_set", strings.TrimSpace(newD.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

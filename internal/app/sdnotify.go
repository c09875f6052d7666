package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "workd/pkg/logx"
)

// notifyReady tells systemd (when present) that startup finished. Outside a
// systemd unit SdNotify is a silent no-op.
func notifyReady(log logx.Logger) {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if ok {
		log.Debug("sd_notify: ready")
	}
}

func notifyStopping(log logx.Logger) {
	if ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping); ok {
		log.Debug("sd_notify: stopping")
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval.
// Returns immediately when no watchdog is configured.
func watchdogLoop(ctx context.Context, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog probe failed", logx.Err(err))
		return nil
	}
	if interval == 0 {
		return nil
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Debug("sd_watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("sd_watchdog ping failed", logx.Err(err))
			}
		}
	}
}

// Package sdnotify reports readiness and liveness to systemd. Outside a
// systemd unit (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "eventbot/pkg/logx"
)

func Ready(log logx.Logger)    { notify(log, daemon.SdNotifyReady) }
func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the unit has no
// watchdog.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd every interval until ctx is done.
func Watchdog(ctx context.Context, interval time.Duration, log logx.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}

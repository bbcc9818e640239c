// Package systemd integrates opscron with the service manager: readiness and watchdog
// notifications over NOTIFY_SOCKET, and starting units over D-Bus so a job body can be a
// oneshot service.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "opscron/pkg/logx"
)

// Ready reports startup completion. sent is false when not running under a notify unit.
func Ready() (sent bool, err error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports that graceful shutdown has begun.
func Stopping() (sent bool, err error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (sent bool, err error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings the systemd watchdog at half of WatchdogSec until ctx is done. It returns
// nil at once when the unit has no watchdog. A ping is skipped while healthy reports false,
// so a wedged scheduler gets restarted by systemd.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("systemd watchdog ping skipped: unhealthy")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}

// Package systemd reports service state to systemd via sd_notify. Every call
// is a no-op when the process is not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses the real socket.
type Notifier struct {
	notify func(unsetEnv bool, state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.notify != nil {
		return n.notify(false, state)
	}
	return daemon.SdNotify(false, state)
}

// Ready marks startup as finished (Type=notify units).
func (n Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

// Stopping announces a graceful shutdown.
func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(s string) (bool, error) { return n.send("STATUS=" + s) }

// Watchdog pings the service watchdog at half the configured interval until
// ctx is done. It returns immediately when WatchdogSec is not set.
func (n Notifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = n.send(daemon.SdNotifyWatchdog)
		}
	}
}

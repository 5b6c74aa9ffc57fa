package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mkhub/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings at half of WATCHDOG_USEC until ctx is done.
func (n sdNotifier) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

package app

import (
	"strings"

	logx "fotomator/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotifier reports readiness and status to systemd. Outside a
// Type=notify unit every call is a silent no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n sdNotifier) Status(s string) {
	n.send("STATUS=" + strings.ReplaceAll(s, "\n", " "))
}

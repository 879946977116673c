package app

import (
	"context"
	"strings"

	"fotomator/internal/config"
	kit "fotomator/internal/transport"
	telegram "fotomator/internal/transport/telegram/adapter"
	logx "fotomator/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, updates <-chan config.Update) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
		drain:
			for {
				select {
				case newer, ok := <-updates:
					if !ok {
						break drain
					}
					u = newer
				default:
					break drain
				}
			}
			ch := u.Change
			if u.Old != lastApplied {
				ch = config.SummarizeConfigChange(lastApplied, u.New)
			}
			a.applyConfig(ctx, lastApplied, u.New, ch)
			lastApplied = u.New
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// services. Sections that need a restart are only logged.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config, ch config.Change) {
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") || ch.Has("telegram") {
		if a.adapter != nil {
			if chatID, thread, ok := logTarget(newCfg); ok {
				a.logs.SetChatSender(telegram.LogSink{Adapter: a.adapter, Target: kit.ChatTarget{ChatID: chatID, ThreadID: thread}})
			} else {
				a.logs.SetChatSender(nil)
			}
		}
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ch.Has("slack") && a.slack != nil {
		a.slack.SetRate(newCfg.Slack.RatePerSec)
	}

	if ch.Has("upload") {
		if p, err := mapPolicy(newCfg); err != nil {
			a.log.Warn("invalid upload config; keeping previous", logx.Err(err))
		} else {
			a.mon.SetPolicy(p)
		}
	}

	if ch.Has("monitor") {
		a.mon.SetRescanSchedule(rescanSpec(newCfg))
		if oldCfg == nil || oldCfg.Monitor.AutoStopAt != newCfg.Monitor.AutoStopAt {
			at, err := config.ParseTimeField("monitor.auto_stop_at", newCfg.Monitor.AutoStopAt)
			if err == nil {
				err = a.mon.SetAutoStop(ctx, at)
			}
			if err != nil {
				a.log.Warn("auto-stop not applied", logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded", fields...)
}

package app

import (
	"context"
	"errors"
	"strings"

	"fotomator/internal/monitor"
	kit "fotomator/internal/transport"
	logx "fotomator/pkg/logx"
)

// menuCommands is published as the bot's command menu. /stop is decoded by
// the notification presenter; the rest are handled here.
var menuCommands = []kit.BotCommand{
	{Command: "start", Description: "Start monitoring for new photos"},
	{Command: "stop", Description: "Stop monitoring"},
	{Command: "status", Description: "Show monitoring status"},
}

func (a *App) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-a.updates:
			if !ok {
				return
			}
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	if cmd, chatID, ok := a.command(up); ok {
		switch cmd {
		case "/start":
			a.reply(ctx, chatID, a.startText(ctx))
			return
		case "/status":
			a.reply(ctx, chatID, a.statusText(ctx))
			return
		}
	}

	sig, ok := a.chatPres.HandleUpdate(ctx, up)
	if !ok {
		return
	}
	err := a.mon.Dispatch(ctx, sig)
	switch {
	case err == nil:
	case errors.Is(err, monitor.ErrNotRunning):
		if up.Message != nil {
			a.reply(ctx, up.Message.ChatID, "Monitoring is not running.")
		}
	default:
		a.log.Warn("signal failed", logx.String("kind", string(sig.Kind)), logx.Err(err))
	}
}

// command extracts a slash command sent in the notification chat.
func (a *App) command(up kit.Update) (string, int64, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return "", 0, false
	}
	m := up.Message
	if cfg := a.cfgm.Get(); cfg == nil || m.ChatID != cfg.Telegram.ChatID {
		return "", 0, false
	}
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return "", 0, false
	}
	cmd, _, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), m.ChatID, true
}

func (a *App) startText(ctx context.Context) string {
	err := a.mon.Start(ctx)
	switch {
	case err == nil:
		return "Monitoring started."
	case errors.Is(err, monitor.ErrAlreadyRunning):
		return "Monitoring is already running."
	case errors.Is(err, monitor.ErrNotConfigured):
		return "Pick a destination channel and authorize first."
	default:
		a.log.Warn("start from chat failed", logx.Err(err))
		return "Could not start monitoring."
	}
}

func (a *App) statusText(ctx context.Context) string {
	st, err := a.Status(ctx)
	if err != nil {
		a.log.Warn("status failed", logx.Err(err))
		return "Status unavailable."
	}
	return st.String()
}

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	if a.adapter == nil {
		return
	}
	if _, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		a.log.Debug("reply failed", logx.Err(err))
	}
}

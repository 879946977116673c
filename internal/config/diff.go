package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fotomator/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured fields for logging. Secrets never appear.
	Attrs []logx.Field
	// RestartRequired lists changed sections that only apply after a restart.
	RestartRequired []string
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.ChatID != nt.ChatID ||
		ot.LogChat != nt.LogChat || ot.APIURL != nt.APIURL || ot.PollTimeout != nt.PollTimeout ||
		!reflect.DeepEqual(ot.Destinations, nt.Destinations) {
		mark("telegram", true,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.destinations", len(nt.Destinations)),
		)
	}

	// Slack (never log secrets). The rate limit is applied live.
	oldSlack, newSlack := oldCfg.Slack, newCfg.Slack
	rateOnly := oldSlack.RatePerSec != newSlack.RatePerSec
	oldSlack.RatePerSec, newSlack.RatePerSec = 0, 0
	if oldSlack != newSlack {
		mark("slack", true,
			logx.Bool("slack.enabled", newCfg.Slack.Enabled),
			logx.Bool("slack.client_secret_set", newCfg.Slack.ClientSecret != ""),
			logx.Bool("slack.token_set", newCfg.Slack.Token != ""),
		)
	} else if rateOnly {
		mark("slack", false, logx.Int("slack.rate_per_sec", newCfg.Slack.RatePerSec))
	}

	if oldCfg.Upload != newCfg.Upload {
		mark("upload", false,
			logx.String("upload.delay", newCfg.Upload.Delay),
			logx.Int("upload.ceiling", newCfg.Upload.Ceiling),
			logx.Int("upload.workers", newCfg.Upload.Workers),
		)
	}

	if oldCfg.Monitor != newCfg.Monitor {
		mark("monitor", false,
			logx.String("monitor.settle_delay", newCfg.Monitor.SettleDelay),
			logx.String("monitor.rescan_schedule", newCfg.Monitor.RescanSchedule),
			logx.String("monitor.auto_stop_at", newCfg.Monitor.AutoStopAt),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watcher, newCfg.Watcher) {
		mark("watcher", true,
			logx.Int("watcher.internal_dirs", len(newCfg.Watcher.InternalDirs)),
			logx.Int("watcher.external_dirs", len(newCfg.Watcher.ExternalDirs)),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

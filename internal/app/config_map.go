package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fotomator/internal/chat/slack"
	"fotomator/internal/chat/telegram"
	"fotomator/internal/config"
	"fotomator/internal/monitor"
	"fotomator/internal/storage"
	"fotomator/internal/upload"
	"fotomator/internal/watcher"
	logx "fotomator/pkg/logx"
)

const defaultStorePath = "./fotomator.db"

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./fotomator_store"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = defaultStorePath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapPolicy(cfg *config.Config) (upload.Policy, error) {
	delay, err := config.ParseDurationOrDefault("upload.delay", cfg.Upload.Delay, upload.DefaultDelay)
	if err != nil {
		return upload.Policy{}, err
	}
	ceiling := cfg.Upload.Ceiling
	if ceiling <= 0 {
		ceiling = upload.DefaultCeiling
	}
	return upload.Policy{Delay: delay, Ceiling: ceiling}, nil
}

// rescanSpec maps the configured schedule: empty means the default and
// "off" disables the job.
func rescanSpec(cfg *config.Config) string {
	spec := strings.TrimSpace(cfg.Monitor.RescanSchedule)
	switch spec {
	case "":
		return monitor.DefaultRescanSchedule
	case config.RescanOff:
		return ""
	}
	return spec
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	policy, err := mapPolicy(cfg)
	if err != nil {
		return monitor.Config{}, err
	}
	settle, err := config.ParseDurationOrDefault("monitor.settle_delay", cfg.Monitor.SettleDelay, monitor.DefaultSettleDelay)
	if err != nil {
		return monitor.Config{}, err
	}
	stopTimeout, err := config.ParseDurationOrDefault("monitor.stop_timeout", cfg.Monitor.StopTimeout, 30*time.Second)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		Policy:         policy,
		Workers:        cfg.Upload.Workers,
		SettleDelay:    settle,
		RescanSchedule: rescanSpec(cfg),
		RequireToken:   cfg.Slack.Enabled,
		StopTimeout:    stopTimeout,
	}, nil
}

func mapWatcherConfig(cfg *config.Config) (watcher.Config, error) {
	debounce, err := config.ParseDurationOrDefault("watcher.debounce", cfg.Watcher.Debounce, 500*time.Millisecond)
	if err != nil {
		return watcher.Config{}, err
	}
	return watcher.Config{
		InternalDirs: cfg.Watcher.InternalDirs,
		ExternalDirs: cfg.Watcher.ExternalDirs,
		Debounce:     debounce,
	}, nil
}

func mapSlackConfig(cfg *config.Config) (slack.Config, error) {
	timeout, err := config.ParseDurationOrDefault("slack.timeout", cfg.Slack.Timeout, 30*time.Second)
	if err != nil {
		return slack.Config{}, err
	}
	return slack.Config{
		BaseURL:      cfg.Slack.BaseURL,
		ClientID:     cfg.Slack.ClientID,
		ClientSecret: cfg.Slack.ClientSecret,
		RedirectURI:  cfg.Slack.RedirectURI,
		RatePerSec:   cfg.Slack.RatePerSec,
		Timeout:      timeout,
	}, nil
}

func mapDestinations(cfg *config.Config) []telegram.Destination {
	out := make([]telegram.Destination, 0, len(cfg.Telegram.Destinations)+1)
	seen := map[int64]bool{}
	for _, d := range cfg.Telegram.Destinations {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, telegram.Destination{ID: strconv.FormatInt(d.ID, 10), Name: d.Name})
	}
	if id := cfg.Telegram.ChatID; id != 0 && !seen[id] {
		out = append(out, telegram.Destination{ID: strconv.FormatInt(id, 10), Name: "notifications"})
	}
	return out
}

// logTarget resolves telegram.log_chat, falling back to the notification chat.
func logTarget(cfg *config.Config) (int64, int, bool) {
	raw := strings.TrimSpace(cfg.Telegram.LogChat)
	if raw == "" {
		return cfg.Telegram.ChatID, 0, cfg.Telegram.ChatID != 0
	}
	t, err := telegram.ParseTarget(raw)
	if err != nil {
		return 0, 0, false
	}
	return t.ChatID, t.ThreadID, true
}

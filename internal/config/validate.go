package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

var rescanParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks struct tags, duration strings and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"slack.timeout", cfg.Slack.Timeout},
		{"upload.delay", cfg.Upload.Delay},
		{"monitor.settle_delay", cfg.Monitor.SettleDelay},
		{"monitor.stop_timeout", cfg.Monitor.StopTimeout},
		{"watcher.debounce", cfg.Watcher.Debounce},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if _, err := ParseTimeField("monitor.auto_stop_at", cfg.Monitor.AutoStopAt); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Monitor.RescanSchedule); spec != "" && spec != RescanOff {
		if _, err := rescanParser.Parse(spec); err != nil {
			return fmt.Errorf("monitor.rescan_schedule: %w", err)
		}
	}

	if !cfg.Slack.Enabled && !cfg.Telegram.Enabled {
		return errors.New("invalid config: enable slack or telegram as the upload destination")
	}
	if len(cfg.Watcher.InternalDirs)+len(cfg.Watcher.ExternalDirs) == 0 {
		return errors.New("invalid config: watcher needs at least one directory")
	}
	return nil
}

// RescanOff disables the periodic rescan.
const RescanOff = "off"

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./fotomator.db
slack:
  enabled: true
  client_id: "123.456"
  rate_per_sec: 1
upload:
  delay: 60s
  ceiling: 5
monitor:
  settle_delay: 2s
  rescan_schedule: "@every 5m"
watcher:
  internal_dirs: ["/sdcard/DCIM"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLWithEnvOverlay(t *testing.T) {
	t.Setenv("FOTOMATOR_SLACK_TOKEN", "xoxp-env")
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Slack.Enabled || cfg.Slack.ClientID != "123.456" {
		t.Fatalf("slack section not decoded: %+v", cfg.Slack)
	}
	if cfg.Slack.Token != "xoxp-env" {
		t.Fatalf("env overlay not applied, token=%q", cfg.Slack.Token)
	}
	if cfg.Upload.Ceiling != 5 || cfg.Monitor.RescanSchedule != "@every 5m" {
		t.Fatalf("unexpected values: %+v %+v", cfg.Upload, cfg.Monitor)
	}
}

func TestLoadDotEnvNextToConfig(t *testing.T) {
	const key = "FOTOMATOR_SLACK_CLIENT_SECRET"
	if _, ok := os.LookupEnv(key); ok {
		t.Skip(key + " set in the environment")
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	writeFile(t, dir, ".env", key+"=from-dotenv\n")
	p := writeFile(t, dir, "config.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Slack.ClientSecret != "from-dotenv" {
		t.Fatalf("dotenv not applied, secret=%q", cfg.Slack.ClientSecret)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.json", `{"slack":{"enabled":true},"bogus":1}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatalf("unknown field should be rejected")
	}
	p = writeFile(t, dir, "b.json", `{"slack":{"enabled":true}}{}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatalf("trailing data should be rejected")
	}
}

func TestParseYAMLEdgeCases(t *testing.T) {
	dir := t.TempDir()

	p := writeFile(t, dir, "multi.yaml", "slack:\n  enabled: true\n---\nslack:\n  enabled: false\n")
	if _, err := NewManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "more than one yaml document") {
		t.Fatalf("second document should be rejected, got %v", err)
	}

	p = writeFile(t, dir, "empty.yaml", "")
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if cfg.Slack.Enabled {
		t.Fatalf("empty file should decode to zero config: %+v", cfg.Slack)
	}

	p = writeFile(t, dir, "ts.yaml", "monitor:\n  auto_stop_at: !!timestamp 2026-05-01T18:30:00Z\n")
	cfg, err = NewManager(p).Parse()
	if err != nil {
		t.Fatalf("tagged timestamp: %v", err)
	}
	if cfg.Monitor.AutoStopAt != "2026-05-01T18:30:00Z" {
		t.Fatalf("auto_stop_at=%q", cfg.Monitor.AutoStopAt)
	}
}

func TestReloadPublishesUpdate(t *testing.T) {
	const key = "FOTOMATOR_SLACK_CLIENT_SECRET"
	if _, ok := os.LookupEnv(key); ok {
		t.Skip(key + " set in the environment")
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	writeFile(t, dir, ".env", key+"=first\n")
	p := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	updates, unsub := m.Subscribe(4)
	defer unsub()

	if published, err := m.Reload(); err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	// A rotated secret in .env replaces the value .env set earlier.
	writeFile(t, dir, ".env", key+"=second\n")
	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "ceiling: 5", "ceiling: 3", 1))
	if published, err := m.Reload(); err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	u := <-updates
	if u.Old == nil || u.Old.Upload.Ceiling != 5 || u.New.Upload.Ceiling != 3 {
		t.Fatalf("unexpected update old=%+v new=%+v", u.Old, u.New)
	}
	if !u.Change.Has("upload") || !u.Change.Has("slack") {
		t.Fatalf("changed sections = %v", u.Change.Sections)
	}
	if u.New.Slack.ClientSecret != "second" || m.Get() != u.New {
		t.Fatalf("reload not committed, secret=%q", u.New.Slack.ClientSecret)
	}

	// An invalid file keeps the committed config.
	writeFile(t, dir, "config.yaml", "slack: [\n")
	if _, err := m.Reload(); err == nil {
		t.Fatalf("broken yaml should be rejected")
	}
	if m.Get() != u.New {
		t.Fatalf("rejected reload replaced the config")
	}
}

func TestDotEnvKeepsRealEnvironment(t *testing.T) {
	t.Setenv("FOTOMATOR_SLACK_CLIENT_ID", "from-env")
	dir := t.TempDir()
	writeFile(t, dir, ".env", "FOTOMATOR_SLACK_CLIENT_ID=from-dotenv\n")
	p := writeFile(t, dir, "config.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Slack.ClientID != "from-env" {
		t.Fatalf("client id=%q, real environment should win", cfg.Slack.ClientID)
	}
}

func validConfig() *Config {
	return &Config{
		Slack:   SlackConfig{Enabled: true},
		Watcher: WatcherConfig{InternalDirs: []string{"/photos"}},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no destination", func(c *Config) { c.Slack.Enabled = false }, "upload destination"},
		{"no dirs", func(c *Config) { c.Watcher.InternalDirs = nil }, "directory"},
		{"bad delay", func(c *Config) { c.Upload.Delay = "soon" }, "upload.delay"},
		{"negative delay", func(c *Config) { c.Upload.Delay = "-1s" }, "upload.delay"},
		{"bad cron", func(c *Config) { c.Monitor.RescanSchedule = "every minute" }, "rescan_schedule"},
		{"bad deadline", func(c *Config) { c.Monitor.AutoStopAt = "tomorrow" }, "auto_stop_at"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"telegram without token", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.ChatID = 42
		}, "Token"},
		{"telegram ok", func(c *Config) {
			c.Telegram = TelegramConfig{Enabled: true, Token: "t", ChatID: 42}
		}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.Upload.Delay = "30s"
	b.Storage.Driver = "file"
	b.Slack.RatePerSec = 5

	ch := SummarizeConfigChange(a, b)
	for _, s := range []string{"slack", "storage", "upload"} {
		if !ch.Has(s) {
			t.Fatalf("expected %s in %v", s, ch.Sections)
		}
	}
	if ch.Has("monitor") {
		t.Fatalf("monitor did not change")
	}
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "storage" {
		t.Fatalf("only storage needs a restart, got %v", ch.RestartRequired)
	}
}

func TestParseTimeField(t *testing.T) {
	if v, err := ParseTimeField("x", " "); err != nil || v != nil {
		t.Fatalf("empty should yield nil, got %v %v", v, err)
	}
	v, err := ParseTimeField("x", "2026-10-18T20:00:00Z")
	if err != nil || v == nil || v.Hour() != 20 {
		t.Fatalf("unexpected %v %v", v, err)
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fotomator/internal/config"
	"fotomator/internal/media"
	"fotomator/internal/monitor"
	kit "fotomator/internal/transport"
	"fotomator/internal/upload"

	"github.com/zalando/go-keyring"
)

func slackServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any
		switch r.URL.Path {
		case "/oauth.v2.access":
			if r.URL.Query().Get("code") != "good" {
				body = map[string]any{"ok": false, "error": "invalid_code"}
				break
			}
			body = map[string]any{
				"ok":          true,
				"authed_user": map[string]any{"access_token": "xoxp-new"},
				"team":        map[string]any{"name": "Acme"},
			}
		case "/conversations.list":
			body = map[string]any{
				"ok": true,
				"channels": []map[string]any{
					{"id": "C2", "name": "random"},
					{"id": "C1", "name": "photos"},
				},
			}
		default:
			body = map[string]any{"ok": false, "error": "unknown_method"}
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOfflineApp(t *testing.T) *App {
	t.Helper()
	keyring.MockInit()
	srv := slackServer(t)
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "telegram": {"enabled": true, "token": "123:abc", "chat_id": 42},
  "slack": {"enabled": true, "base_url": %q, "client_id": "cid", "rate_per_sec": 1000},
  "watcher": {"internal_dirs": [%q]}
}`, srv.URL, dir)
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(p, Options{Offline: true})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOfflineAppAuthorizeAndChannels(t *testing.T) {
	a := newOfflineApp(t)
	ctx := context.Background()

	if _, err := a.Authorize(ctx, "bad"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	res, err := a.Authorize(ctx, "good")
	if err != nil {
		t.Fatal(err)
	}
	if res.TeamName != "Acme" {
		t.Fatalf("unexpected team %q", res.TeamName)
	}
	if tok, _ := a.prefs.Token(ctx); tok != "xoxp-new" {
		t.Fatalf("token not stored, got %q", tok)
	}

	chans := a.Channels(ctx)
	if len(chans) != 2 || chans[0].Name != "photos" {
		t.Fatalf("unexpected channels %+v", chans)
	}
	if !strings.Contains(a.AuthorizeURL(), "client_id=cid") {
		t.Fatalf("authorize url missing client id: %s", a.AuthorizeURL())
	}
	if err := a.Start(ctx); err == nil {
		t.Fatalf("offline app must not start")
	}
}

func TestOfflineAppStatusAndForget(t *testing.T) {
	a := newOfflineApp(t)
	ctx := context.Background()

	if err := a.SelectChannel(ctx, "C1", "photos"); err != nil {
		t.Fatal(err)
	}
	for uri, st := range map[string]media.State{
		"file:///a.jpg": media.StateUploaded,
		"file:///b.jpg": media.StateUploaded,
		"file:///c.jpg": media.StateOptOut,
	} {
		if err := a.store.Put(ctx, media.Record{URI: uri, State: st}); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.SetMonitoring(ctx, true); err != nil {
		t.Fatal(err)
	}

	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Running || st.Line != "Enabled" {
		t.Fatalf("unexpected status line %q", st.Line)
	}
	if st.Counts[media.StateUploaded] != 2 || st.Counts[media.StateOptOut] != 1 {
		t.Fatalf("unexpected counts %v", st.Counts)
	}
	out := st.String()
	for _, want := range []string{"Channel: photos (C1)", "2 uploaded", "1 opted out"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status missing %q:\n%s", want, out)
		}
	}

	if err := a.Forget(ctx, "file:///a.jpg"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := a.store.Get(ctx, "file:///a.jpg"); rec != nil {
		t.Fatalf("record should be gone")
	}

	if err := a.SetMonitoring(ctx, false); err != nil {
		t.Fatal(err)
	}
	if on, _ := a.prefs.MonitoringEnabled(ctx); on {
		t.Fatalf("monitoring flag should be off")
	}
}

func TestCommandParsing(t *testing.T) {
	a := newOfflineApp(t)
	msg := func(chat int64, text string) kit.Update {
		return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, Text: text}}
	}
	cases := []struct {
		up   kit.Update
		want string
		ok   bool
	}{
		{msg(42, "/start"), "/start", true},
		{msg(42, "/Status@fotomator_bot now"), "/status", true},
		{msg(42, "hello"), "", false},
		{msg(7, "/start"), "", false},
		{kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ChatID: 42}}, "", false},
	}
	for _, tc := range cases {
		got, _, ok := a.command(tc.up)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("command(%+v) = %q,%v; want %q,%v", tc.up.Message, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMapMonitorConfig(t *testing.T) {
	cfg := &config.Config{}
	mc, err := mapMonitorConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if mc.Policy != upload.DefaultPolicy() {
		t.Fatalf("unexpected policy %+v", mc.Policy)
	}
	if mc.SettleDelay != monitor.DefaultSettleDelay || mc.RescanSchedule != monitor.DefaultRescanSchedule {
		t.Fatalf("unexpected defaults %+v", mc)
	}

	cfg.Upload = config.UploadConfig{Delay: "5s", Ceiling: 3}
	cfg.Monitor.RescanSchedule = config.RescanOff
	cfg.Slack.Enabled = true
	mc, err = mapMonitorConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if mc.Policy.Delay != 5*time.Second || mc.Policy.Ceiling != 3 || mc.RescanSchedule != "" || !mc.RequireToken {
		t.Fatalf("unexpected mapping %+v", mc)
	}
}

func TestMapDestinationsAndLogTarget(t *testing.T) {
	cfg := &config.Config{Telegram: config.TelegramConfig{
		ChatID: -100,
		Destinations: []config.TelegramDestination{
			{ID: -100, Name: "family"},
			{ID: 5, Name: "me"},
			{ID: 5, Name: "dup"},
		},
	}}
	ds := mapDestinations(cfg)
	if len(ds) != 2 || ds[0].ID != "-100" || ds[1].Name != "me" {
		t.Fatalf("unexpected destinations %+v", ds)
	}

	if chat, thread, ok := logTarget(cfg); !ok || chat != -100 || thread != 0 {
		t.Fatalf("expected fallback to chat id, got %d %d %v", chat, thread, ok)
	}
	cfg.Telegram.LogChat = "-200:7"
	if chat, thread, ok := logTarget(cfg); !ok || chat != -200 || thread != 7 {
		t.Fatalf("unexpected log target %d %d %v", chat, thread, ok)
	}
	cfg.Telegram.LogChat = "nope"
	if _, _, ok := logTarget(cfg); ok {
		t.Fatalf("invalid log chat must be rejected")
	}
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "sqlite" || sc.Path != defaultStorePath || sc.BusyTimeout != time.Second {
		t.Fatalf("unexpected default storage %+v %v", sc, err)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}

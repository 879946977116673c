package prefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"fotomator/internal/storage"
	logx "fotomator/pkg/logx"

	"github.com/zalando/go-keyring"
)

func newPrefs(t *testing.T, secrets Secrets) (*Prefs, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, secrets, logx.Nop()), st
}

func TestDefaults(t *testing.T) {
	ctx := context.Background()
	p, _ := newPrefs(t, nil)

	if on, err := p.MonitoringEnabled(ctx); err != nil || on {
		t.Fatalf("monitoring should default off: on=%v err=%v", on, err)
	}
	if first, err := p.FirstRun(ctx); err != nil || !first {
		t.Fatalf("first run should default true: %v err=%v", first, err)
	}
	if at, err := p.AutoStopAt(ctx); err != nil || at != nil {
		t.Fatalf("no deadline expected: %v err=%v", at, err)
	}
	if tok, err := p.Token(ctx); err != nil || tok != "" {
		t.Fatalf("no token expected: %q err=%v", tok, err)
	}
}

func TestRoundTrips(t *testing.T) {
	ctx := context.Background()
	p, _ := newPrefs(t, nil)

	if err := p.SetMonitoringEnabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkFirstRunDone(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.SetChannel(ctx, "C42", "photos"); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 5, 1, 18, 30, 0, 0, time.UTC)
	if err := p.SetAutoStopAt(ctx, &at); err != nil {
		t.Fatal(err)
	}

	snap, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.MonitoringEnabled || snap.FirstRun || snap.ChannelID != "C42" || snap.ChannelName != "photos" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.AutoStopAt == nil || !snap.AutoStopAt.Equal(at) {
		t.Fatalf("unexpected deadline %v", snap.AutoStopAt)
	}

	if err := p.SetAutoStopAt(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.AutoStopAt(ctx); got != nil {
		t.Fatalf("deadline should be cleared")
	}
	if err := p.SetChannel(ctx, "", ""); err != nil {
		t.Fatal(err)
	}
	if id, name, _ := p.Channel(ctx); id != "" || name != "" {
		t.Fatalf("channel should be cleared, got %q %q", id, name)
	}
}

func TestInvalidStoredValuesFallBack(t *testing.T) {
	ctx := context.Background()
	p, st := newPrefs(t, nil)
	_ = st.SetPref(ctx, KeyMonitoringEnabled, "maybe")
	_ = st.SetPref(ctx, KeyAutoStopAt, "tomorrow")

	if on, err := p.MonitoringEnabled(ctx); err != nil || on {
		t.Fatalf("expected default false, got %v err=%v", on, err)
	}
	if at, err := p.AutoStopAt(ctx); err != nil || at != nil {
		t.Fatalf("expected nil deadline, got %v err=%v", at, err)
	}
}

func TestTokenUsesKeyring(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	p, st := newPrefs(t, Keyring{Service: "fotomator-test"})

	if err := p.SetToken(ctx, "xoxp-1"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if _, ok, _ := st.GetPref(ctx, KeyToken); ok {
		t.Fatalf("token must not be written to the store when keyring works")
	}
	if tok, err := p.Token(ctx); err != nil || tok != "xoxp-1" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
	if err := p.SetToken(ctx, ""); err != nil {
		t.Fatalf("clear token: %v", err)
	}
	if tok, _ := p.Token(ctx); tok != "" {
		t.Fatalf("token should be cleared, got %q", tok)
	}
}

func TestTokenFallsBackToStore(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	ctx := context.Background()
	p, st := newPrefs(t, Keyring{Service: "fotomator-test"})

	if err := p.SetToken(ctx, "xoxp-2"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if v, ok, _ := st.GetPref(ctx, KeyToken); !ok || v != "xoxp-2" {
		t.Fatalf("token should be in the store, got %q ok=%v", v, ok)
	}
	if tok, err := p.Token(ctx); err != nil || tok != "xoxp-2" {
		t.Fatalf("token=%q err=%v", tok, err)
	}
}

// Package prefs holds the small set of persisted user preferences that drive
// a monitoring session: the enabled flag, destination channel, auto-stop
// deadline, first-run marker and chat credentials.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	logx "fotomator/pkg/logx"

	"github.com/zalando/go-keyring"
)

const (
	KeyMonitoringEnabled = "monitoring_enabled"
	KeyChannelID         = "channel_id"
	KeyChannelName       = "channel_name"
	KeyAutoStopAt        = "auto_stop_at"
	KeyFirstRun          = "first_run"
	KeyToken             = "token"
	KeyTeamName          = "team_name"
)

// KV is the key/value side of the record store.
type KV interface {
	GetPref(ctx context.Context, key string) (string, bool, error)
	SetPref(ctx context.Context, key, value string) error
	DeletePref(ctx context.Context, key string) error
}

// Secrets stores credentials outside the database.
type Secrets interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Keyring stores secrets in the OS keyring under Service.
type Keyring struct {
	Service string
}

func (k Keyring) Get(key string) (string, error) { return keyring.Get(k.Service, key) }
func (k Keyring) Set(key, value string) error    { return keyring.Set(k.Service, key, value) }
func (k Keyring) Delete(key string) error        { return keyring.Delete(k.Service, key) }

type Prefs struct {
	kv      KV
	secrets Secrets
	log     logx.Logger
}

// New returns Prefs backed by kv. secrets may be nil, in which case the
// token is kept in kv.
func New(kv KV, secrets Secrets, log logx.Logger) *Prefs {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prefs{kv: kv, secrets: secrets, log: log}
}

func (p *Prefs) getBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := p.kv.GetPref(ctx, key)
	if err != nil {
		return def, fmt.Errorf("get %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.log.Warn("invalid boolean pref; using default", logx.String("key", key), logx.String("value", v))
		return def, nil
	}
	return b, nil
}

func (p *Prefs) getString(ctx context.Context, key string) (string, error) {
	v, _, err := p.kv.GetPref(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (p *Prefs) MonitoringEnabled(ctx context.Context) (bool, error) {
	return p.getBool(ctx, KeyMonitoringEnabled, false)
}

func (p *Prefs) SetMonitoringEnabled(ctx context.Context, on bool) error {
	return p.kv.SetPref(ctx, KeyMonitoringEnabled, strconv.FormatBool(on))
}

// FirstRun is true until MarkFirstRunDone is called.
func (p *Prefs) FirstRun(ctx context.Context) (bool, error) {
	return p.getBool(ctx, KeyFirstRun, true)
}

func (p *Prefs) MarkFirstRunDone(ctx context.Context) error {
	return p.kv.SetPref(ctx, KeyFirstRun, "false")
}

func (p *Prefs) Channel(ctx context.Context) (id, name string, err error) {
	if id, err = p.getString(ctx, KeyChannelID); err != nil {
		return "", "", err
	}
	if name, err = p.getString(ctx, KeyChannelName); err != nil {
		return "", "", err
	}
	return id, name, nil
}

func (p *Prefs) SetChannel(ctx context.Context, id, name string) error {
	if id == "" {
		return errors.Join(p.kv.DeletePref(ctx, KeyChannelID), p.kv.DeletePref(ctx, KeyChannelName))
	}
	if err := p.kv.SetPref(ctx, KeyChannelID, id); err != nil {
		return err
	}
	return p.kv.SetPref(ctx, KeyChannelName, name)
}

// AutoStopAt returns the persisted deadline or nil.
func (p *Prefs) AutoStopAt(ctx context.Context) (*time.Time, error) {
	v, err := p.getString(ctx, KeyAutoStopAt)
	if err != nil || v == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.log.Warn("invalid auto-stop deadline; ignoring", logx.String("value", v))
		return nil, nil
	}
	return &t, nil
}

// SetAutoStopAt persists the deadline; nil clears it.
func (p *Prefs) SetAutoStopAt(ctx context.Context, at *time.Time) error {
	if at == nil {
		return p.kv.DeletePref(ctx, KeyAutoStopAt)
	}
	return p.kv.SetPref(ctx, KeyAutoStopAt, at.Format(time.RFC3339))
}

// Token prefers the secret store and falls back to kv.
func (p *Prefs) Token(ctx context.Context) (string, error) {
	if p.secrets != nil {
		v, err := p.secrets.Get(KeyToken)
		if err == nil && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			p.log.Debug("keyring read failed; falling back to store", logx.Err(err))
		}
	}
	return p.getString(ctx, KeyToken)
}

// SetToken stores the token in the secret store when available, otherwise in
// kv. An empty token removes it from both.
func (p *Prefs) SetToken(ctx context.Context, token string) error {
	if token == "" {
		var errs []error
		if p.secrets != nil {
			if err := p.secrets.Delete(KeyToken); err != nil && !errors.Is(err, keyring.ErrNotFound) {
				errs = append(errs, err)
			}
		}
		errs = append(errs, p.kv.DeletePref(ctx, KeyToken))
		return errors.Join(errs...)
	}
	if p.secrets != nil {
		err := p.secrets.Set(KeyToken, token)
		if err == nil {
			return p.kv.DeletePref(ctx, KeyToken)
		}
		p.log.Warn("keyring unavailable; storing token in database", logx.Err(err))
	}
	return p.kv.SetPref(ctx, KeyToken, token)
}

func (p *Prefs) TeamName(ctx context.Context) (string, error) {
	return p.getString(ctx, KeyTeamName)
}

func (p *Prefs) SetTeamName(ctx context.Context, name string) error {
	if name == "" {
		return p.kv.DeletePref(ctx, KeyTeamName)
	}
	return p.kv.SetPref(ctx, KeyTeamName, name)
}

// Snapshot is a read-only view for status output.
type Snapshot struct {
	MonitoringEnabled bool
	FirstRun          bool
	ChannelID         string
	ChannelName       string
	TeamName          string
	HasToken          bool
	AutoStopAt        *time.Time
}

func (p *Prefs) Snapshot(ctx context.Context) (Snapshot, error) {
	var (
		s    Snapshot
		err  error
		errs []error
	)
	s.MonitoringEnabled, err = p.MonitoringEnabled(ctx)
	errs = append(errs, err)
	s.FirstRun, err = p.FirstRun(ctx)
	errs = append(errs, err)
	s.ChannelID, s.ChannelName, err = p.Channel(ctx)
	errs = append(errs, err)
	s.TeamName, err = p.TeamName(ctx)
	errs = append(errs, err)
	tok, err := p.Token(ctx)
	s.HasToken = tok != ""
	errs = append(errs, err)
	s.AutoStopAt, err = p.AutoStopAt(ctx)
	errs = append(errs, err)
	return s, errors.Join(errs...)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fotomator/internal/chat"
	"fotomator/internal/media"
	"fotomator/internal/prefs"
)

var ErrAuthFailed = errors.New("authorization failed")

var reportStates = []struct {
	state media.State
	label string
}{
	{media.StateScheduled, "scheduled"},
	{media.StateUploading, "uploading"},
	{media.StateUploaded, "uploaded"},
	{media.StateOptOut, "opted out"},
	{media.StateError, "failed"},
}

// Status is a point-in-time report for the CLI and the /status command.
type Status struct {
	Running bool
	Line    string
	Prefs   prefs.Snapshot
	Counts  map[media.State]int
}

func (s Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", s.Line)
	switch {
	case s.Prefs.ChannelID == "":
		b.WriteString("Channel: not selected\n")
	case s.Prefs.ChannelName != "":
		fmt.Fprintf(&b, "Channel: %s (%s)\n", s.Prefs.ChannelName, s.Prefs.ChannelID)
	default:
		fmt.Fprintf(&b, "Channel: %s\n", s.Prefs.ChannelID)
	}
	if s.Prefs.TeamName != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", s.Prefs.TeamName)
	}
	parts := make([]string, 0, len(reportStates))
	for _, rs := range reportStates {
		parts = append(parts, fmt.Sprintf("%d %s", s.Counts[rs.state], rs.label))
	}
	fmt.Fprintf(&b, "Photos: %s", strings.Join(parts, ", "))
	return b.String()
}

func (a *App) Status(ctx context.Context) (Status, error) {
	snap, err := a.prefs.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Prefs: snap, Counts: make(map[media.State]int, len(reportStates))}
	switch {
	case a.mon != nil && a.mon.Running():
		st.Running = true
		st.Line = a.mon.Status()
	case a.mon == nil && snap.MonitoringEnabled:
		st.Line = "Enabled"
	default:
		st.Line = "Stopped"
	}
	for _, rs := range reportStates {
		recs, err := a.store.ListByState(ctx, rs.state)
		if err != nil {
			return Status{}, err
		}
		st.Counts[rs.state] = len(recs)
	}
	return st, nil
}

// Channels lists upload destinations. Nil means the listing failed.
func (a *App) Channels(ctx context.Context) []chat.Channel {
	return a.client.ListChannels(ctx)
}

// SelectChannel persists the destination used by the next upload attempt.
func (a *App) SelectChannel(ctx context.Context, id, name string) error {
	return a.prefs.SetChannel(ctx, strings.TrimSpace(id), strings.TrimSpace(name))
}

// AuthorizeURL is the page to visit for a Slack authorization code. Empty
// when uploads do not go to Slack.
func (a *App) AuthorizeURL() string {
	if a.slack == nil {
		return ""
	}
	return a.slack.AuthorizeURL()
}

// Authorize exchanges code for a token and stores it with the team name.
func (a *App) Authorize(ctx context.Context, code string) (*chat.AuthResult, error) {
	res := a.client.ExchangeAuthCode(ctx, strings.TrimSpace(code))
	if res == nil {
		return nil, ErrAuthFailed
	}
	if err := a.prefs.SetToken(ctx, res.Token); err != nil {
		return nil, err
	}
	if err := a.prefs.SetTeamName(ctx, res.TeamName); err != nil {
		return nil, err
	}
	return res, nil
}

// Logout forgets the stored token and team name.
func (a *App) Logout(ctx context.Context) error {
	return errors.Join(a.prefs.SetToken(ctx, ""), a.prefs.SetTeamName(ctx, ""))
}

// SetMonitoring toggles the persisted flag read at the next boot.
func (a *App) SetMonitoring(ctx context.Context, on bool) error {
	if err := a.prefs.SetMonitoringEnabled(ctx, on); err != nil {
		return err
	}
	if !on {
		return a.prefs.SetAutoStopAt(ctx, nil)
	}
	return nil
}

// Forget deletes the record of uri so the photo is treated as new again.
func (a *App) Forget(ctx context.Context, uri string) error {
	return a.store.Delete(ctx, strings.TrimSpace(uri))
}

// Package media holds the persisted per-photo upload record shared by the
// store, the intake gate and the upload scheduler.
package media

import (
	"fmt"
	"strings"
	"time"
)

// State is the upload lifecycle state of one photo.
type State string

const (
	StateScheduled State = "scheduled"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateOptOut    State = "opt_out"
	StateError     State = "error"
)

// Terminal reports whether no automatic transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateUploaded, StateOptOut, StateError:
		return true
	}
	return false
}

// Pending reports whether s is Scheduled or Uploading.
func (s State) Pending() bool {
	return s == StateScheduled || s == StateUploading
}

func (s State) Valid() bool {
	return s.Pending() || s.Terminal()
}

// ParseState accepts the persisted form and a few human spellings
// ("OptOut", "opt-out").
func ParseState(raw string) (State, error) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.NewReplacer("-", "_", " ", "_").Replace(k)
	if k == "optout" {
		k = string(StateOptOut)
	}
	st := State(k)
	if !st.Valid() {
		return "", fmt.Errorf("unknown upload state %q", raw)
	}
	return st, nil
}

// Record is one row per distinct photo uri ever observed.
// Writes are always full-row replacements.
type Record struct {
	URI         string    `json:"uri"`
	State       State     `json:"state"`
	FailedCount int       `json:"failed_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// With returns a copy of r moved to state st.
func (r Record) With(st State) Record {
	r.State = st
	return r
}

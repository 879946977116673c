// Package notify defines the per-photo notification surface and the control
// signals that user actions on it produce.
package notify

import (
	"context"
	"hash/fnv"
	"time"
)

// Presenter shows, updates and withdraws per-photo notifications.
// Implementations key everything by ID(uri).
type Presenter interface {
	ShowScheduled(ctx context.Context, uri string, delay time.Duration) error
	ShowUploading(ctx context.Context, uri string) error
	Withdraw(ctx context.Context, uri string) error

	// ShowOngoing creates or updates the single "monitoring is active" notice.
	ShowOngoing(ctx context.Context, subtitle string) error
	WithdrawOngoing(ctx context.Context) error
}

// ID derives the stable notification id of a uri (FNV-1a, 31 bits so it is
// never negative).
func ID(uri string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uri))
	return int(h.Sum32() & 0x7fffffff)
}

// SignalKind names a user action routed back into the monitoring session.
type SignalKind string

const (
	SignalOptOut            SignalKind = "opt-out"
	SignalUploadImmediately SignalKind = "upload-immediately"
	SignalStopService       SignalKind = "stop-service"
)

// Signal is a control signal. URI is empty for SignalStopService.
type Signal struct {
	Kind SignalKind
	URI  string
}

package storage

import (
	"context"
	"errors"
	"strings"

	"fotomator/internal/media"
	logx "fotomator/pkg/logx"
)

// Store is the persistence API used by the intake gate, the upload scheduler
// and the preference layer.
//
// Put is a full-row insert-or-replace; there is no partial update.
// Get returns (nil, nil) when the uri has never been observed.
type Store interface {
	Get(ctx context.Context, uri string) (*media.Record, error)
	Put(ctx context.Context, rec media.Record) error
	// MarkAllScheduledOptOut moves every Scheduled row to OptOut and reports
	// how many rows changed.
	MarkAllScheduledOptOut(ctx context.Context) (int, error)
	ListByState(ctx context.Context, states ...media.State) ([]media.Record, error)
	Delete(ctx context.Context, uri string) error

	GetPref(ctx context.Context, key string) (string, bool, error)
	SetPref(ctx context.Context, key, value string) error
	DeletePref(ctx context.Context, key string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func wantState(states []media.State) func(media.State) bool {
	if len(states) == 0 {
		return func(media.State) bool { return true }
	}
	set := make(map[media.State]struct{}, len(states))
	for _, st := range states {
		set[st] = struct{}{}
	}
	return func(st media.State) bool {
		_, ok := set[st]
		return ok
	}
}

// Package intake decides whether an observed photo is new.
package intake

import (
	"context"
	"fmt"
	"sync"

	"fotomator/internal/media"
	"fotomator/internal/storage"
)

// Result of an admission attempt.
type Result int

const (
	AlreadyKnown Result = iota
	Admitted
)

func (r Result) String() string {
	if r == Admitted {
		return "admitted"
	}
	return "already_known"
}

// Gate serializes check-and-insert so concurrent detections of the same uri
// cannot both be admitted. The store is the dedup oracle.
type Gate struct {
	mu    sync.Mutex
	store storage.Store
}

func New(store storage.Store) *Gate {
	return &Gate{store: store}
}

// Admit inserts Scheduled(0) for a never-seen uri. The row is persisted
// before Admit returns.
func (g *Gate) Admit(ctx context.Context, uri string) (Result, error) {
	return g.admit(ctx, uri, media.StateScheduled)
}

// AdmitOptOut admits a pre-existing photo directly as OptOut. Used for the
// first monitoring session ever, so old photos are never uploaded.
func (g *Gate) AdmitOptOut(ctx context.Context, uri string) (Result, error) {
	return g.admit(ctx, uri, media.StateOptOut)
}

func (g *Gate) admit(ctx context.Context, uri string, st media.State) (Result, error) {
	if uri == "" {
		return AlreadyKnown, fmt.Errorf("admit: empty uri")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.store.Get(ctx, uri)
	if err != nil {
		return AlreadyKnown, fmt.Errorf("admit %q: %w", uri, err)
	}
	if rec != nil {
		return AlreadyKnown, nil
	}
	if err := g.store.Put(ctx, media.Record{URI: uri, State: st}); err != nil {
		return AlreadyKnown, fmt.Errorf("admit %q: %w", uri, err)
	}
	return Admitted, nil
}

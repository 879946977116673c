package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"fotomator/internal/media"
)

// memStore keeps everything in maps. It is also the state holder embedded by
// the file backend.
type memStore struct {
	mu      sync.Mutex
	records map[string]media.Record
	prefs   map[string]string
	closed  bool
}

// NewMemory returns a Store that keeps nothing across restarts.
func NewMemory() Store {
	return newMemState()
}

func newMemState() *memStore {
	return &memStore{records: map[string]media.Record{}, prefs: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, uri string) (*media.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.records[uri]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) Put(_ context.Context, rec media.Record) error {
	if strings.TrimSpace(rec.URI) == "" {
		return errors.New("put media: empty uri")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec.UpdatedAt = time.Now()
	m.records[rec.URI] = rec
	return nil
}

func (m *memStore) MarkAllScheduledOptOut(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.sweepLocked()), nil
}

// sweepLocked applies the Scheduled -> OptOut sweep and returns the changed rows.
func (m *memStore) sweepLocked() []media.Record {
	var changed []media.Record
	now := time.Now()
	for uri, rec := range m.records {
		if rec.State != media.StateScheduled {
			continue
		}
		rec.State = media.StateOptOut
		rec.UpdatedAt = now
		m.records[uri] = rec
		changed = append(changed, rec)
	}
	return changed
}

func (m *memStore) ListByState(_ context.Context, states ...media.State) ([]media.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	want := wantState(states)
	var out []media.Record
	for _, rec := range m.records {
		if want(rec.State) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, uri)
	return nil
}

func (m *memStore) GetPref(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.prefs[key]
	return v, ok, nil
}

func (m *memStore) SetPref(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.prefs[key] = value
	return nil
}

func (m *memStore) DeletePref(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.prefs, key)
	return nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fotomator/internal/media"
	logx "fotomator/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only journal of writes since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	records map[string]media.Record
	prefs   map[string]string

	writes int
}

const compactEvery = 500

type fileSnapshot struct {
	Records map[string]media.Record `json:"records"`
	Prefs   map[string]string       `json:"prefs"`
}

// journalOp is one line in the journal.
type journalOp struct {
	Op     string        `json:"op"` // put | del | pref | unpref
	Record *media.Record `json:"record,omitempty"`
	Key    string        `json:"key,omitempty"`
	Value  string        `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		records:      map[string]media.Record{},
		prefs:        map[string]string{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Get(_ context.Context, uri string) (*media.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	rec, ok := s.records[uri]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fileStore) Put(_ context.Context, rec media.Record) error {
	if strings.TrimSpace(rec.URI) == "" {
		return errors.New("put media: empty uri")
	}
	rec.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "put", Record: &rec}); err != nil {
		return err
	}
	s.records[rec.URI] = rec
	return nil
}

func (s *fileStore) MarkAllScheduledOptOut(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	now := time.Now()
	n := 0
	for uri, rec := range s.records {
		if rec.State != media.StateScheduled {
			continue
		}
		rec.State = media.StateOptOut
		rec.UpdatedAt = now
		if err := s.appendLocked(journalOp{Op: "put", Record: &rec}); err != nil {
			return n, err
		}
		s.records[uri] = rec
		n++
	}
	return n, nil
}

func (s *fileStore) ListByState(_ context.Context, states ...media.State) ([]media.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	want := wantState(states)
	var out []media.Record
	for _, rec := range s.records {
		if want(rec.State) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (s *fileStore) Delete(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "del", Key: uri}); err != nil {
		return err
	}
	delete(s.records, uri)
	return nil
}

func (s *fileStore) GetPref(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", false, ErrClosed
	}
	v, ok := s.prefs[key]
	return v, ok, nil
}

func (s *fileStore) SetPref(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "pref", Key: key, Value: value}); err != nil {
		return err
	}
	s.prefs[key] = value
	return nil
}

func (s *fileStore) DeletePref(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "unpref", Key: key}); err != nil {
		return err
	}
	delete(s.prefs, key)
	return nil
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Records: s.records, Prefs: s.prefs}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Records {
		s.records[k] = v
	}
	for k, v := range snap.Prefs {
		s.prefs[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// torn tail write after a crash
			continue
		}
		switch op.Op {
		case "put":
			if op.Record != nil && op.Record.URI != "" {
				s.records[op.Record.URI] = *op.Record
			}
		case "del":
			delete(s.records, op.Key)
		case "pref":
			s.prefs[op.Key] = op.Value
		case "unpref":
			delete(s.prefs, op.Key)
		}
	}
	return sc.Err()
}

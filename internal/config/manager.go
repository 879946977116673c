package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "fotomator/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs editors that write a file in several steps.
const reloadDebounce = 250 * time.Millisecond

// Update is delivered to subscribers after a reload commits a new config.
type Update struct {
	Old    *Config
	New    *Config
	Change Change
}

// Manager owns the current config: the file at path with a sibling .env
// and the process environment layered on top.
type Manager struct {
	path string
	env  *dotEnv
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   map[uint64]chan Update
	seq    uint64
}

func NewManager(path string) *Manager {
	return &Manager{
		path: path,
		env:  newDotEnv(filepath.Join(filepath.Dir(path), ".env")),
		subs: map[uint64]chan Update{},
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads the file and overlays the environment without committing.
func (m *Manager) Parse() (*Config, error) {
	return decodeFile(m.path)
}

// Load applies .env, then parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	if err := m.env.load(); err != nil {
		return nil, err
	}
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.hash = cfg, hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed updates. A slow subscriber loses
// its oldest pending update rather than the newest, so it should diff against
// the config it last applied instead of trusting Old.
func (m *Manager) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Update, buffer)
	m.subsMu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload re-reads .env and the file, and commits and publishes the result
// when it is valid and differs from the current config. It reports whether
// an update was published.
func (m *Manager) Reload() (bool, error) {
	if err := m.env.load(); err != nil {
		return false, err
	}
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)

	m.mu.Lock()
	if h != 0 && h == m.hash {
		m.mu.Unlock()
		return false, nil
	}
	if err := Validate(cfg); err != nil {
		m.mu.Unlock()
		return false, err
	}
	old := m.cfg
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()

	ch := SummarizeConfigChange(old, cfg)
	m.publish(Update{Old: old, New: cfg, Change: ch})
	m.log.Debug("config published", logx.String("changed", strings.Join(ch.Sections, ",")), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

func (m *Manager) reload() {
	if _, err := m.Reload(); err != nil {
		m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
	}
}

// Watch reloads after the config file or its .env changes. It returns nil
// when ctx ends and an error when the underlying watcher breaks, so callers
// run it under a restarting supervisor.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	names := []string{filepath.Base(m.path), filepath.Base(m.env.path)}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir))

	// A restarted watcher may have missed writes.
	m.reload()

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watch: events closed")
			}
			if watched(ev.Name, names) && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watch: errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			return fmt.Errorf("config watch: %w", err)
		}
	}
}

func watched(name string, names []string) bool {
	base := filepath.Base(name)
	for _, n := range names {
		if strings.EqualFold(base, n) {
			return true
		}
	}
	return false
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

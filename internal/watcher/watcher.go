// Package watcher observes photo folders and answers "what is the newest photo".
//
// Two collections are tracked: internal (device storage) and external
// (removable or mounted storage). Each configured root is watched recursively.
// Change events carry no item; consumers query Latest per collection.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "fotomator/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// ErrUnreadable marks a uri whose bytes cannot be opened.
var ErrUnreadable = errors.New("source unreadable")

type Collection string

const (
	Internal Collection = "internal"
	External Collection = "external"
)

func Collections() []Collection { return []Collection{Internal, External} }

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".heic": true,
	".heif": true, ".webp": true, ".gif": true,
}

var photoFolders = map[string]bool{"pictures": true, "camera": true}

// Item is one photo as seen on disk.
type Item struct {
	URI        string
	Path       string
	Collection Collection
	ModTime    time.Time
}

type Change struct {
	Collection Collection
}

type Config struct {
	InternalDirs []string
	ExternalDirs []string
	// Debounce coalesces bursts of events per collection. Default 500ms.
	Debounce time.Duration
}

type Watcher struct {
	cfg Config
	log logx.Logger

	changes chan Change

	mu      sync.Mutex
	pending map[Collection]*time.Timer
}

func New(cfg Config, log logx.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		cfg:     cfg,
		log:     log,
		changes: make(chan Change, 8),
		pending: map[Collection]*time.Timer{},
	}
}

// Changes delivers coalesced change notifications. A slow consumer loses
// duplicates, never the fact that something changed.
func (w *Watcher) Changes() <-chan Change { return w.changes }

func (w *Watcher) roots(c Collection) []string {
	if c == External {
		return w.cfg.ExternalDirs
	}
	return w.cfg.InternalDirs
}

func (w *Watcher) collectionOf(path string) (Collection, bool) {
	for _, c := range Collections() {
		for _, root := range w.roots(c) {
			rel, err := filepath.Rel(root, path)
			if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return c, true
			}
		}
	}
	return "", false
}

// IsPhoto reports whether path is an image directly inside a pictures or
// camera folder.
func IsPhoto(path string) bool {
	if !imageExt[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	parent := strings.ToLower(filepath.Base(filepath.Dir(path)))
	return photoFolders[parent]
}

// Latest returns the most recently added photo of a collection, by
// modification time with the path as tie breaker. Files have no insertion
// time, so modification time stands in for it.
//
// Only photos inside pictures or camera folders compete. A newer file in any
// other folder therefore does not hide the newest photo; that photo is
// normally already known to the intake gate, so the query is a no-op then.
func (w *Watcher) Latest(c Collection) (Item, bool, error) {
	var (
		best  Item
		found bool
	)
	for _, root := range w.roots(c) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipDir
				}
				// unreadable subtree
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !IsPhoto(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			mt := info.ModTime()
			if !found || mt.After(best.ModTime) || (mt.Equal(best.ModTime) && path > best.Path) {
				best = Item{URI: URI(path), Path: path, Collection: c, ModTime: mt}
				found = true
			}
			return nil
		})
		if err != nil {
			return Item{}, false, fmt.Errorf("scan %s: %w", root, err)
		}
	}
	return best, found, nil
}

// URI converts an absolute path to a file:// uri.
func URI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// PathOf resolves a file:// uri back to a filesystem path.
func PathOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("%w: unsupported uri %q", ErrUnreadable, uri)
	}
	return filepath.FromSlash(u.Path), nil
}

// Open satisfies the upload scheduler's source contract.
func (w *Watcher) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	return Open(uri)
}

func Open(uri string) (io.ReadCloser, error) {
	path, err := PathOf(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return f, nil
}

// Run watches all roots until ctx is canceled, recreating the fsnotify
// watcher with jittered backoff when it breaks.
func (w *Watcher) Run(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
	defer w.stopPending()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.log.Warn("media watch init failed", logx.Err(err))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		added := 0
		for _, c := range Collections() {
			for _, root := range w.roots(c) {
				added += w.addTree(fw, root)
			}
		}
		if added == 0 {
			w.log.Debug("no media roots available yet")
		}
		backoff = restartBackoffBase
		w.log.Debug("media watcher started", logx.Int("dirs", added))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				w.handle(fw, ev)
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.log.Warn("media watch overflow; rescanning")
					for _, c := range Collections() {
						w.emit(c)
					}
					continue
				}
				w.log.Warn("media watch error", logx.Err(err))
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		w.log.Warn("media watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	c, ok := w.collectionOf(ev.Name)
	if !ok {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addTree(fw, ev.Name)
			w.emit(c)
			return
		}
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !IsPhoto(ev.Name) {
		return
	}
	w.emit(c)
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			w.log.Debug("watch add failed", logx.String("dir", path), logx.Err(err))
			return nil
		}
		n++
		return nil
	})
	return n
}

func (w *Watcher) emit(c Collection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[c]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[c] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, c)
		w.mu.Unlock()
		select {
		case w.changes <- Change{Collection: c}:
		default:
			// a change for this collection is likely already queued
			w.log.Debug("media change dropped (consumer slow)", logx.String("collection", string(c)))
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for c, t := range w.pending {
		t.Stop()
		delete(w.pending, c)
	}
}

package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "fotomator/pkg/logx"
)

func writeFile(t *testing.T, path string, mt time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("img:"+filepath.Base(path)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !mt.IsZero() {
		if err := os.Chtimes(path, mt, mt); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

func TestIsPhoto(t *testing.T) {
	cases := map[string]bool{
		"/sd/DCIM/Camera/IMG_1.jpg":   true,
		"/sd/Pictures/shot.PNG":       true,
		"/sd/pictures/x.heic":         true,
		"/sd/Download/IMG_1.jpg":      false,
		"/sd/Camera/notes.txt":        false,
		"/sd/Camera/thumbs/IMG_1.jpg": false,
		"/sd/DCIM/camera/clip.webp":   true,
	}
	for path, want := range cases {
		if got := IsPhoto(filepath.FromSlash(path)); got != want {
			t.Fatalf("IsPhoto(%q)=%v want %v", path, got, want)
		}
	}
}

func TestLatestPicksNewestPhotoPerCollection(t *testing.T) {
	in := t.TempDir()
	ext := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	writeFile(t, filepath.Join(in, "DCIM", "Camera", "old.jpg"), base)
	writeFile(t, filepath.Join(in, "DCIM", "Camera", "new.jpg"), base.Add(2*time.Minute))
	writeFile(t, filepath.Join(in, "Download", "newer.jpg"), base.Add(5*time.Minute))
	writeFile(t, filepath.Join(ext, "Pictures", "card.png"), base.Add(time.Minute))

	w := New(Config{InternalDirs: []string{in}, ExternalDirs: []string{ext}}, logx.Nop())

	it, ok, err := w.Latest(Internal)
	if err != nil || !ok {
		t.Fatalf("latest internal: ok=%v err=%v", ok, err)
	}
	if filepath.Base(it.Path) != "new.jpg" || it.Collection != Internal {
		t.Fatalf("unexpected internal latest %+v", it)
	}
	it, ok, err = w.Latest(External)
	if err != nil || !ok || filepath.Base(it.Path) != "card.png" {
		t.Fatalf("unexpected external latest %+v ok=%v err=%v", it, ok, err)
	}
}

func TestLatestEmptyOrMissingRoot(t *testing.T) {
	w := New(Config{InternalDirs: []string{filepath.Join(t.TempDir(), "missing")}}, logx.Nop())
	_, ok, err := w.Latest(Internal)
	if err != nil || ok {
		t.Fatalf("expected nothing found, ok=%v err=%v", ok, err)
	}
	_, ok, err = w.Latest(External)
	if err != nil || ok {
		t.Fatalf("expected nothing for unconfigured collection, ok=%v err=%v", ok, err)
	}
}

func TestURIRoundTripAndOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Camera", "a b.jpg")
	writeFile(t, path, time.Time{})

	uri := URI(path)
	got, err := PathOf(uri)
	if err != nil || got != path {
		t.Fatalf("PathOf(%q)=%q err=%v", uri, got, err)
	}
	rc, err := Open(uri)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "img:a b.jpg" {
		t.Fatalf("unexpected content %q", b)
	}

	if _, err := Open(URI(filepath.Join(dir, "gone.jpg"))); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
	if _, err := Open("media://42"); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable for foreign scheme, got %v", err)
	}
}

func TestRunEmitsChangeForNewPhoto(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "DCIM"), 0o755); err != nil {
		t.Fatal(err)
	}
	w := New(Config{InternalDirs: []string{root}, Debounce: 20 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// let the watcher register the tree
	time.Sleep(100 * time.Millisecond)
	cam := filepath.Join(root, "DCIM", "Camera")
	if err := os.MkdirAll(cam, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(cam, "IMG_2.jpg"), time.Time{})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ch := <-w.Changes():
			if ch.Collection != Internal {
				t.Fatalf("unexpected collection %q", ch.Collection)
			}
			it, ok, err := w.Latest(Internal)
			if err == nil && ok && filepath.Base(it.Path) == "IMG_2.jpg" {
				return
			}
		case <-deadline:
			t.Fatalf("no change observed for new photo")
		}
	}
}

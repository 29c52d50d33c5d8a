package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 16)}
}

func (c *collector) handle(events []Event) {
	c.mu.Lock()
	c.events = append(c.events, events...)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, path string, op Op) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		c.mu.Lock()
		for _, e := range c.events {
			if e.Path == path && e.Op&op != 0 {
				c.mu.Unlock()
				return
			}
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("no %v event for %s; got %+v", op, path, c.events)
		}
	}
}

// noInotify makes fsnotify unavailable so the watcher falls back to polling
// at interval, and records the reported cause in errs.
func noInotify(interval time.Duration, errs chan<- error) Option {
	return func(w *Watcher) {
		w.newFS = func() (*fsnotify.Watcher, error) { return nil, errors.New("inotify limit reached") }
		w.pollInterval = interval
		if errs != nil {
			w.onError = func(err error) {
				select {
				case errs <- err:
				default:
				}
			}
		}
	}
}

func TestOpFromFsnotify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   fsnotify.Op
		want Op
	}{
		{fsnotify.Create, Create},
		{fsnotify.Write, Write},
		{fsnotify.Remove, Remove},
		{fsnotify.Rename, Rename},
		{fsnotify.Chmod, Chmod},
		{fsnotify.Create | fsnotify.Write, Create | Write},
	}
	for _, tt := range tests {
		if got := opFromFsnotify(tt.in); got != tt.want {
			t.Errorf("opFromFsnotify(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWatcherAdd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := New(func([]Event) {}, noInotify(20*time.Millisecond, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if err := w.Add(filepath.Join(dir, "missing")); err == nil {
		t.Error("Add of a missing path should fail")
	}
}

func TestWatcherPollingFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCollector()
	errs := make(chan error, 1)
	w, err := New(c.handle, noInotify(20*time.Millisecond, errs), WithDebounceDuration(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	select {
	case err := <-errs:
		if err == nil {
			t.Error("fallback cause not reported")
		}
	default:
		t.Error("fallback to polling was not reported")
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, path, Create)

	if err := os.WriteFile(path, []byte("longer"), 0644); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, path, Write)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, path, Remove)
}

func TestWatcherFsnotify(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCollector()
	w, err := New(c.handle, WithDebounceDuration(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	path := filepath.Join(dir, "x")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	c.waitFor(t, path, Create|Write)
}

func TestWatcherFilter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCollector()
	w, err := New(c.handle, noInotify(20*time.Millisecond, nil), WithDebounceDuration(20*time.Millisecond), WithFilter(Remove))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "f")
	os.WriteFile(path, []byte("x"), 0644)
	time.Sleep(100 * time.Millisecond)
	os.Remove(path)
	c.waitFor(t, path, Remove)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Op&^Remove != 0 {
			t.Errorf("unfiltered event %+v", e)
		}
	}
}

func TestWatcherClose(t *testing.T) {
	t.Parallel()

	w, err := New(func([]Event) {}, noInotify(10*time.Millisecond, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.Add(t.TempDir()); err != ErrClosed {
		t.Errorf("Add after Close = %v, want ErrClosed", err)
	}
}

// Package watcher reports debounced changes to files and directories, using
// fsnotify where available and periodic stat polling otherwise.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when operations are called on a closed Watcher.
var ErrClosed = errors.New("watcher: watcher is closed")

// DefaultPollInterval is used when falling back to polling.
const DefaultPollInterval = time.Second

// Op is a bit set of change kinds.
type Op uint32

const (
	Create Op = 1 << iota
	Write
	Remove
	Rename
	Chmod

	All = Create | Write | Remove | Rename | Chmod
)

func opFromFsnotify(op fsnotify.Op) Op {
	var o Op
	for _, m := range []struct {
		fs fsnotify.Op
		op Op
	}{
		{fsnotify.Create, Create},
		{fsnotify.Write, Write},
		{fsnotify.Remove, Remove},
		{fsnotify.Rename, Rename},
		{fsnotify.Chmod, Chmod},
	} {
		if op.Has(m.fs) {
			o |= m.op
		}
	}
	return o
}

// Event is one observed change.
type Event struct {
	Path string
	Op   Op
}

// Handler receives the events coalesced over one debounce window.
type Handler func(events []Event)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounceDuration sets the debounce window.
func WithDebounceDuration(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debouncer = NewDebouncer(d)
		}
	}
}

// WithFilter restricts delivered events to the given ops.
func WithFilter(ops Op) Option {
	return func(w *Watcher) { w.filter = ops }
}

// WithErrorHandler receives watch errors.
func WithErrorHandler(fn func(error)) Option {
	return func(w *Watcher) { w.onError = fn }
}

type stamp struct {
	mod  time.Time
	size int64
	mode os.FileMode
}

// Watcher watches a set of paths. A watched directory reports changes to its
// immediate children.
type Watcher struct {
	fs           *fsnotify.Watcher
	debouncer    *Debouncer
	handler      Handler
	onError      func(error)
	filter       Op
	newFS        func() (*fsnotify.Watcher, error)
	polling      bool
	pollInterval time.Duration
	done         chan struct{}

	mu      sync.Mutex
	roots   map[string]bool
	seen    map[string]stamp
	pending []Event
	closed  bool
}

// New starts a watcher. If fsnotify cannot be initialised it falls back to
// polling and reports the cause to the error handler.
func New(handler Handler, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		debouncer:    NewDebouncer(DefaultDebounceDuration),
		handler:      handler,
		filter:       All,
		newFS:        fsnotify.NewWatcher,
		pollInterval: DefaultPollInterval,
		done:         make(chan struct{}),
		roots:        make(map[string]bool),
		seen:         make(map[string]stamp),
	}
	for _, opt := range opts {
		opt(w)
	}

	fs, err := w.newFS()
	if err != nil {
		w.reportError(fmt.Errorf("fsnotify unavailable, polling instead: %w", err))
		w.polling = true
	} else {
		w.fs = fs
	}

	if w.polling {
		go w.poll()
	} else {
		go w.run()
	}
	return w, nil
}

// Add starts watching path.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.roots[abs] {
		return nil
	}
	if w.polling {
		for p, s := range scan(abs) {
			w.seen[p] = s
		}
	} else if err := w.fs.Add(abs); err != nil {
		return err
	}
	w.roots[abs] = true
	return nil
}

// Close stops the watcher. Pending events are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.debouncer.Cancel()
	close(w.done)
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.enqueue([]Event{{Path: ev.Name, Op: opFromFsnotify(ev.Op)}})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.pollOnce()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) pollOnce() {
	w.mu.Lock()
	roots := make([]string, 0, len(w.roots))
	for r := range w.roots {
		roots = append(roots, r)
	}
	w.mu.Unlock()

	current := make(map[string]stamp)
	for _, r := range roots {
		for p, s := range scan(r) {
			current[p] = s
		}
	}

	w.mu.Lock()
	var events []Event
	for p, s := range current {
		old, ok := w.seen[p]
		switch {
		case !ok:
			events = append(events, Event{Path: p, Op: Create})
		case !s.mod.Equal(old.mod) || s.size != old.size:
			events = append(events, Event{Path: p, Op: Write})
		case s.mode != old.mode:
			events = append(events, Event{Path: p, Op: Chmod})
		}
	}
	for p := range w.seen {
		if _, ok := current[p]; !ok && underAny(p, roots) {
			events = append(events, Event{Path: p, Op: Remove})
			delete(w.seen, p)
		}
	}
	for p, s := range current {
		w.seen[p] = s
	}
	w.mu.Unlock()

	w.enqueue(events)
}

func (w *Watcher) enqueue(events []Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for _, e := range events {
		if e.Op&w.filter != 0 {
			w.pending = append(w.pending, e)
		}
	}
	if len(w.pending) == 0 {
		return
	}
	w.debouncer.Trigger(w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) > 0 && w.handler != nil {
		w.handler(batch)
	}
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// scan stats root and, for a directory, its immediate children.
func scan(root string) map[string]stamp {
	out := make(map[string]stamp)
	info, err := os.Stat(root)
	if err != nil {
		return out
	}
	out[root] = stamp{info.ModTime(), info.Size(), info.Mode()}
	if !info.IsDir() {
		return out
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return out
	}
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out[filepath.Join(root, e.Name())] = stamp{fi.ModTime(), fi.Size(), fi.Mode()}
	}
	return out
}

func underAny(p string, roots []string) bool {
	for _, r := range roots {
		if p == r || filepath.Dir(p) == r {
			return true
		}
	}
	return false
}

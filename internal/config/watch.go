package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/theirongolddev/runwatch/internal/watcher"
)

// Watch watches the default config file. See WatchPath.
func Watch(onChange func(*Config)) (func(), error) {
	return WatchPath(DefaultPath(), onChange)
}

// WatchPath reloads path whenever it changes and calls onChange with the new
// config. Reload errors are logged and the previous config stays in effect.
// It returns a close function to stop watching.
func WatchPath(path string, onChange func(*Config), opts ...watcher.Option) (func(), error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	// a removed file would reload as all defaults, so only content changes count
	opts = append([]watcher.Option{
		watcher.WithDebounceDuration(500 * time.Millisecond),
		watcher.WithFilter(watcher.Create | watcher.Write | watcher.Rename),
		watcher.WithErrorHandler(func(err error) {
			log.Printf("[config] watch %s: %v", absPath, err)
		}),
	}, opts...)
	w, err := watcher.New(func(events []watcher.Event) {
		relevant := false
		for _, e := range events {
			if filepath.Clean(e.Path) == absPath {
				relevant = true
				break
			}
		}
		if !relevant {
			return
		}
		cfg, err := Load(absPath)
		if err != nil {
			log.Printf("[config] reload %s: %v", absPath, err)
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}

	// Watch the directory so atomic saves (write temp, rename) are seen.
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config path %s: %w", absPath, err)
	}

	return func() {
		w.Close()
	}, nil
}

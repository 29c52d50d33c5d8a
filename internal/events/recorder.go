package events

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/theirongolddev/runwatch/internal/wire"
)

// DefaultRetention is how long recorded envelopes are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Recorder appends envelopes to a JSONL file in wire form. Entries older than
// the retention window are pruned when the recorder opens the file.
type Recorder struct {
	path      string
	retention time.Duration
	mu        sync.Mutex
	file      *os.File
	written   int
}

// NewRecorder opens (or creates) path for appending.
func NewRecorder(path string, retention time.Duration) (*Recorder, error) {
	if path == "" {
		return nil, fmt.Errorf("recorder path is empty")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}

	r := &Recorder{path: path, retention: retention}
	if err := r.prune(time.Now().Add(-retention)); err != nil {
		log.Printf("[events] prune %s: %v", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening record file: %w", err)
	}
	r.file = f
	return r, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string { return r.path }

// Record writes one envelope.
func (r *Recorder) Record(env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	r.written++
	return nil
}

// Attach records every envelope d dispatches until the returned func is called.
func (r *Recorder) Attach(d *Dispatcher) UnsubscribeFunc {
	return d.SubscribeAll(func(env wire.Envelope) {
		if err := r.Record(env); err != nil {
			// recorder failures never reach the dispatcher
			log.Printf("[events] record %s: %v", env.Type, err)
		}
	})
}

// Written returns how many envelopes were recorded by this recorder.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// prune rewrites the file keeping only lines whose timestamp is after cutoff.
// Lines without a readable timestamp are kept.
func (r *Recorder) prune(cutoff time.Time) error {
	src, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening record file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), "record-prune-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	w := bufio.NewWriter(tmp)
	dropped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, gjson.GetBytes(line, "timestamp").String()); err == nil && !ts.After(cutoff) {
			dropped++
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return fmt.Errorf("scanning record file: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if dropped == 0 {
		return nil
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

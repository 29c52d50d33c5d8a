// Package events fans decoded realtime envelopes out to local consumers and
// keeps a bounded history of what arrived.
package events

import (
	"container/ring"
	"encoding/json"
	"io"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/theirongolddev/runwatch/internal/wire"
)

// DefaultHistorySize is used when a non-positive capacity is requested.
const DefaultHistorySize = 100

// wildcard is the subscriber key that receives every type.
const wildcard wire.EventType = "*"

// Handler is called once per dispatched envelope.
type Handler func(wire.Envelope)

// UnsubscribeFunc removes a handler. Calling it more than once is harmless.
type UnsubscribeFunc func()

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Dispatcher is a typed pub/sub with synchronous delivery. Handlers run in
// the goroutine that calls Dispatch, one after another, so an envelope is
// fully handled before the caller moves on to the next one.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[wire.EventType][]handlerEntry
	nextID      atomic.Uint64

	historyMu   sync.RWMutex
	history     *ring.Ring
	historySize int
	historyLen  int

	panics atomic.Uint64
}

// NewDispatcher creates a dispatcher keeping the newest historySize envelopes.
func NewDispatcher(historySize int) *Dispatcher {
	if historySize < 1 {
		historySize = DefaultHistorySize
	}
	return &Dispatcher{
		subscribers: make(map[wire.EventType][]handlerEntry),
		history:     ring.New(historySize),
		historySize: historySize,
	}
}

// Subscribe registers handler for exactly one envelope type.
func (d *Dispatcher) Subscribe(eventType wire.EventType, handler Handler) UnsubscribeFunc {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID.Add(1)
	d.subscribers[eventType] = append(d.subscribers[eventType], handlerEntry{id: id, handler: handler})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		handlers := d.subscribers[eventType]
		for i, h := range handlers {
			if h.id == id {
				// copy so snapshots taken by an in-flight Dispatch stay intact
				next := make([]handlerEntry, 0, len(handlers)-1)
				next = append(next, handlers[:i]...)
				next = append(next, handlers[i+1:]...)
				if len(next) == 0 {
					delete(d.subscribers, eventType)
				} else {
					d.subscribers[eventType] = next
				}
				return
			}
		}
	}
}

// SubscribeAll registers handler for every envelope type.
func (d *Dispatcher) SubscribeAll(handler Handler) UnsubscribeFunc {
	return d.Subscribe(wildcard, handler)
}

// Dispatch records env in history and then delivers it to the handlers that
// were registered when the call began. A panicking handler is logged and
// skipped; the remaining handlers still run.
func (d *Dispatcher) Dispatch(env wire.Envelope) {
	d.historyMu.Lock()
	d.history.Value = env
	d.history = d.history.Next()
	if d.historyLen < d.historySize {
		d.historyLen++
	}
	d.historyMu.Unlock()

	d.mu.RLock()
	entries := make([]handlerEntry, 0, len(d.subscribers[env.Type])+len(d.subscribers[wildcard]))
	entries = append(entries, d.subscribers[env.Type]...)
	if env.Type != wildcard {
		entries = append(entries, d.subscribers[wildcard]...)
	}
	d.mu.RUnlock()

	for _, entry := range entries {
		d.deliver(entry.handler, env)
	}
}

func (d *Dispatcher) deliver(h Handler, env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Printf("[events] handler panic on %s (run=%q): %v\n%s", env.Type, env.RunID, r, debug.Stack())
		}
	}()
	h(env)
}

// History returns up to limit of the most recent envelopes, oldest first.
// A non-positive limit returns everything retained.
func (d *Dispatcher) History(limit int) []wire.Envelope {
	d.historyMu.RLock()
	defer d.historyMu.RUnlock()

	if limit <= 0 || limit > d.historyLen {
		limit = d.historyLen
	}
	out := make([]wire.Envelope, limit)
	r := d.history.Prev()
	for i := limit - 1; i >= 0; i-- {
		out[i] = r.Value.(wire.Envelope)
		r = r.Prev()
	}
	return out
}

// Len returns how many envelopes history currently holds.
func (d *Dispatcher) Len() int {
	d.historyMu.RLock()
	defer d.historyMu.RUnlock()
	return d.historyLen
}

// Capacity returns the history bound.
func (d *Dispatcher) Capacity() int {
	return d.historySize
}

// SubscriberCount returns the number of handlers for eventType. Use "*" for
// wildcard handlers.
func (d *Dispatcher) SubscriberCount(eventType wire.EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[eventType])
}

// Panics returns how many handler panics have been recovered.
func (d *Dispatcher) Panics() uint64 {
	return d.panics.Load()
}

// Stream writes every envelope to w as one JSON line in wire form.
func (d *Dispatcher) Stream(w io.Writer) UnsubscribeFunc {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return d.SubscribeAll(func(env wire.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(env); err != nil {
			log.Printf("[events] stream write failed: %v", err)
		}
	})
}

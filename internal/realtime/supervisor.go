// Package realtime owns the single multiplexed connection to the
// orchestration server: connect, detect failure, reconnect after a fixed
// delay and replay the desired subscriptions on every open.
package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/theirongolddev/runwatch/internal/subscription"
	"github.com/theirongolddev/runwatch/internal/wire"
)

// DefaultReconnectDelay is the pause between a close and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// DefaultSendTimeout bounds how long a queued frame may wait for room.
const DefaultSendTimeout = 2 * time.Second

// State is the connection state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sink receives decoded envelopes. *events.Dispatcher implements it.
type Sink interface {
	Dispatch(env wire.Envelope)
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	Reconnects int    `json:"reconnects"`
	Dropped    int    `json:"dropped"`
	Received   int    `json:"received"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithReconnectDelay sets the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithHeartbeat sends a ping every interval while open. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(s *Supervisor) {
		s.heartbeat = interval
	}
}

// WithAfterFunc replaces the timer scheduler.
func WithAfterFunc(f AfterFunc) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.afterFunc = f
		}
	}
}

// WithRegistry shares an existing registry instead of a fresh one.
func WithRegistry(r *subscription.Registry) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithStateListener adds a callback for every state change. Listeners run
// outside the supervisor lock and may call back into it.
func WithStateListener(fn func(State)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// Supervisor drives one logical connection. The zero value is not usable;
// construct with New.
type Supervisor struct {
	url       string
	transport Transport
	sink      Sink

	reconnectDelay time.Duration
	heartbeat      time.Duration
	sendTimeout    time.Duration
	afterFunc      AfterFunc
	listeners      []func(State)

	// mu guards everything below, including registry mutation paired with
	// the send it triggers.
	mu         sync.Mutex
	registry   *subscription.Registry
	state      State
	wanted     bool
	gen        uint64
	conn       Conn
	timer      Timer
	timerSeq   uint64
	beat       Timer
	reconnects int
	dropped    int
	received   int
}

// New creates a supervisor for url. Nothing is dialed until Connect.
func New(url string, transport Transport, sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		url:            url,
		transport:      transport,
		sink:           sink,
		reconnectDelay: DefaultReconnectDelay,
		sendTimeout:    DefaultSendTimeout,
		afterFunc:      StdAfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = subscription.New()
	}
	return s
}

// Connect establishes the link if none is active. A pending reconnect is
// cancelled in favour of an immediate attempt.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	s.wanted = true
	s.cancelTimerLocked()
	if s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	changed := s.dialLocked()
	s.mu.Unlock()
	s.emit(changed)
}

// Disconnect tears the link down, cancels any pending reconnect and keeps
// the supervisor idle until the next Connect.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.wanted = false
	s.cancelTimerLocked()
	s.stopHeartbeatLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	changed := s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[realtime] close: %v", err)
		}
	}
	s.emit(changed)
}

// Subscribe adds runID to the desired set and, when open, sends the request.
// Adding an id that is already present does nothing. If the send fails the
// link is dropped; the id stays registered and goes out with the replay on
// the next open.
func (s *Supervisor) Subscribe(runID string) error {
	s.mu.Lock()
	if !s.registry.Add(runID) || s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	return s.sendOrDrop(wire.NewSubscribe(runID))
}

// Unsubscribe removes runID from the desired set and, when open, sends the
// request. Removing an absent id does nothing. A failed send drops the link
// like Subscribe does.
func (s *Supervisor) Unsubscribe(runID string) error {
	s.mu.Lock()
	if !s.registry.Remove(runID) || s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	return s.sendOrDrop(wire.NewUnsubscribe(runID))
}

// sendOrDrop sends env and releases s.mu. On failure the server's view of
// the subscriptions is unknown, so the link is torn down and rebuilt.
func (s *Supervisor) sendOrDrop(env wire.Envelope) error {
	err := s.sendLocked(env)
	if err == nil {
		s.mu.Unlock()
		return nil
	}
	conn, changed := s.dropLinkLocked()
	s.mu.Unlock()
	s.finishDrop(conn, changed, err)
	return err
}

// Subscriptions returns the desired run ids in add order.
func (s *Supervisor) Subscriptions() []string {
	return s.registry.IDs()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:      s.state,
		Generation: s.gen,
		Reconnects: s.reconnects,
		Dropped:    s.dropped,
		Received:   s.received,
	}
}

// link binds transport callbacks to the generation that dialed them.
type link struct {
	s   *Supervisor
	gen uint64
}

func (l *link) OnOpen()               { l.s.handleOpen(l.gen) }
func (l *link) OnMessage(data []byte) { l.s.handleMessage(l.gen, data) }
func (l *link) OnClose(err error)     { l.s.handleClose(l.gen, err) }

func (s *Supervisor) handleOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	for _, id := range s.registry.IDs() {
		if err := s.sendLocked(wire.NewSubscribe(id)); err != nil {
			// never report open with a partial replay
			conn, changed := s.dropLinkLocked()
			s.mu.Unlock()
			s.finishDrop(conn, changed, err)
			return
		}
	}
	changed := s.setStateLocked(StateOpen)
	s.scheduleHeartbeatLocked(gen)
	s.mu.Unlock()

	log.Printf("[realtime] connected to %s (generation %d)", s.url, gen)
	s.emit(changed)
}

func (s *Supervisor) handleMessage(gen uint64, data []byte) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.received++
	s.mu.Unlock()

	env, err := wire.Decode(data)
	if err != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		log.Printf("[realtime] dropping frame: %v", err)
		return
	}

	if env.Type == wire.EventPing {
		s.mu.Lock()
		if gen == s.gen && s.state == StateOpen {
			_ = s.sendLocked(wire.NewPong())
		}
		s.mu.Unlock()
	}

	if s.sink != nil {
		s.sink.Dispatch(env)
	}
}

func (s *Supervisor) handleClose(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopHeartbeatLocked()
	changed := s.setStateLocked(StateClosed)
	scheduled := s.scheduleReconnectLocked()
	s.mu.Unlock()

	if scheduled {
		if err != nil {
			log.Printf("[realtime] connection lost: %v; retrying in %s", err, s.reconnectDelay)
		} else {
			log.Printf("[realtime] connection closed; retrying in %s", s.reconnectDelay)
		}
	}
	s.emit(changed)
}

// scheduleReconnectLocked arms the reconnect timer unless one is pending or
// the link is not wanted.
func (s *Supervisor) scheduleReconnectLocked() bool {
	if !s.wanted || s.timer != nil {
		return false
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.afterFunc(s.reconnectDelay, func() { s.reconnect(seq) })
	s.reconnects++
	return true
}

// dropLinkLocked abandons the current link after a failed send. Bumping the
// generation makes the transport's own OnClose for it a no-op.
func (s *Supervisor) dropLinkLocked() (Conn, []State) {
	s.gen++
	conn := s.conn
	s.conn = nil
	s.stopHeartbeatLocked()
	changed := s.setStateLocked(StateClosed)
	s.scheduleReconnectLocked()
	return conn, changed
}

func (s *Supervisor) finishDrop(conn Conn, changed []State, cause error) {
	log.Printf("[realtime] dropping link after failed send: %v; retrying in %s", cause, s.reconnectDelay)
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[realtime] close: %v", err)
		}
	}
	s.emit(changed)
}

func (s *Supervisor) reconnect(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if !s.wanted || s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	changed := s.dialLocked()
	s.mu.Unlock()
	s.emit(changed)
}

func (s *Supervisor) dialLocked() []State {
	s.gen++
	changed := s.setStateLocked(StateConnecting)
	s.conn = s.transport.Dial(s.url, &link{s: s, gen: s.gen})
	return changed
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerSeq++
	}
}

func (s *Supervisor) scheduleHeartbeatLocked(gen uint64) {
	if s.heartbeat <= 0 {
		return
	}
	s.beat = s.afterFunc(s.heartbeat, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen || s.state != StateOpen {
			return
		}
		_ = s.sendLocked(wire.NewPing())
		s.scheduleHeartbeatLocked(gen)
	})
}

func (s *Supervisor) stopHeartbeatLocked() {
	if s.beat != nil {
		s.beat.Stop()
		s.beat = nil
	}
}

// sendLocked encodes and queues env on the current link.
func (s *Supervisor) sendLocked(env wire.Envelope) error {
	if s.conn == nil {
		return ErrConnClosed
	}
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Type, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, data); err != nil {
		log.Printf("[realtime] send %s (run=%q) failed: %v", env.Type, env.RunID, err)
		return fmt.Errorf("sending %s: %w", env.Type, err)
	}
	return nil
}

func (s *Supervisor) setStateLocked(st State) []State {
	if s.state == st {
		return nil
	}
	s.state = st
	return []State{st}
}

func (s *Supervisor) emit(changed []State) {
	for _, st := range changed {
		for _, fn := range s.listeners {
			fn(st)
		}
	}
}

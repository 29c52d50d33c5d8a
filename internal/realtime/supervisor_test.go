package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/wire"
)

// fakeConn records sent frames. The first failSends sends fail.
type fakeConn struct {
	mu        sync.Mutex
	sent      []wire.Envelope
	closed    bool
	failSends int
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.failSends > 0 {
		c.failSends--
		return errors.New("queue full")
	}
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) failNext(n int) {
	c.mu.Lock()
	c.failSends = n
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frames() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Envelope(nil), c.sent...)
}

// fakeTransport hands out fakeConns and keeps the listeners so tests can
// drive open/message/close by hand.
type fakeTransport struct {
	mu        sync.Mutex
	conns     []*fakeConn
	listeners []Listener
	failNext  int // failSends for the next dialed conn only
}

func (t *fakeTransport) Dial(_ string, l Listener) Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &fakeConn{failSends: t.failNext}
	t.failNext = 0
	t.conns = append(t.conns, c)
	t.listeners = append(t.listeners, l)
	return c
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *fakeTransport) last() (*fakeConn, Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.conns) - 1
	return t.conns[n], t.listeners[n]
}

func (t *fakeTransport) at(i int) (*fakeConn, Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i], t.listeners[i]
}

// fakeClock collects scheduled callbacks; nothing fires until Fire.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// FireAll runs every pending callback once.
func (c *fakeClock) FireAll() {
	for _, t := range c.pending() {
		c.mu.Lock()
		t.fired = true
		c.mu.Unlock()
		t.f()
	}
}

type harness struct {
	sup       *Supervisor
	transport *fakeTransport
	clock     *fakeClock
	disp      *events.Dispatcher

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		clock:     &fakeClock{},
		disp:      events.NewDispatcher(10),
	}
	opts = append([]Option{
		WithAfterFunc(h.clock.AfterFunc),
		WithStateListener(func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		}),
	}, opts...)
	h.sup = New("ws://example.test/ws", h.transport, h.disp, opts...)
	return h
}

func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	h.sup.Connect()
	conn, l := h.transport.last()
	l.OnOpen()
	if h.sup.State() != StateOpen {
		t.Fatalf("state = %s, want open", h.sup.State())
	}
	return conn
}

func subscribeIDs(frames []wire.Envelope, typ wire.EventType) []string {
	var ids []string
	for _, f := range frames {
		if f.Type == typ {
			ids = append(ids, f.RunID)
		}
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSupervisor_ConnectIsNoopWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sup.Connect()
	h.sup.Connect()
	if h.transport.dials() != 1 {
		t.Errorf("dials = %d, want 1", h.transport.dials())
	}
	if h.sup.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", h.sup.State())
	}
}

func TestSupervisor_OpenReplaysRegistryInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sup.Subscribe("run1")
	h.sup.Subscribe("run2")
	h.sup.Subscribe("run3")
	h.sup.Unsubscribe("run2")

	conn := h.open(t)

	got := subscribeIDs(conn.frames(), wire.EventSubscribe)
	if !equalIDs(got, []string{"run1", "run3"}) {
		t.Errorf("subscribes = %v, want [run1 run3]", got)
	}
	if len(subscribeIDs(conn.frames(), wire.EventUnsubscribe)) != 0 {
		t.Error("offline unsubscribe must not be replayed")
	}
}

func TestSupervisor_SubscribeWhileOpenSendsOnlyOnChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)

	if err := h.sup.Subscribe("run1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.sup.Subscribe("run1")
	h.sup.Unsubscribe("run1")
	h.sup.Unsubscribe("run1")

	frames := conn.frames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2: %+v", len(frames), frames)
	}
	if frames[0].Type != wire.EventSubscribe || frames[1].Type != wire.EventUnsubscribe {
		t.Errorf("unexpected frames: %+v", frames)
	}
}

func TestSupervisor_SubscribeWhileClosedIsDeferred(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sup.Connect()
	conn, l := h.transport.last()

	h.sup.Subscribe("run1")
	if len(conn.frames()) != 0 {
		t.Fatal("nothing should be sent before open")
	}
	l.OnOpen()
	if got := subscribeIDs(conn.frames(), wire.EventSubscribe); !equalIDs(got, []string{"run1"}) {
		t.Errorf("subscribes after open = %v", got)
	}
}

func TestSupervisor_FailedReplayDropsLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, id := range []string{"run1", "run2", "run3"} {
		h.sup.Subscribe(id)
	}
	h.transport.failNext = 1
	h.sup.Connect()
	conn, l := h.transport.last()
	l.OnOpen()

	if h.sup.State() != StateClosed {
		t.Fatalf("state = %s, want closed after a failed replay", h.sup.State())
	}
	if !conn.isClosed() {
		t.Error("failed link was not closed")
	}
	h.mu.Lock()
	for _, st := range h.states {
		if st == StateOpen {
			t.Error("open was reported for a partial replay")
		}
	}
	h.mu.Unlock()

	// the transport's own close for the dropped link changes nothing
	l.OnClose(ErrConnClosed)
	if n := len(h.clock.pending()); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}

	h.clock.FireAll()
	conn2, l2 := h.transport.last()
	l2.OnOpen()
	if h.sup.State() != StateOpen {
		t.Fatalf("state = %s, want open", h.sup.State())
	}
	if got := subscribeIDs(conn2.frames(), wire.EventSubscribe); !equalIDs(got, []string{"run1", "run2", "run3"}) {
		t.Errorf("replay = %v, want [run1 run2 run3]", got)
	}
}

func TestSupervisor_FailedSubscribeWhileOpenDropsLink(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sup.Subscribe("run1")
	conn := h.open(t)

	conn.failNext(1)
	if err := h.sup.Subscribe("run2"); err == nil {
		t.Fatal("Subscribe should report the failed send")
	}
	if h.sup.State() != StateClosed || !conn.isClosed() {
		t.Fatalf("state = %s closed=%v, want the link dropped", h.sup.State(), conn.isClosed())
	}
	if !equalIDs(h.sup.Subscriptions(), []string{"run1", "run2"}) {
		t.Errorf("registry = %v", h.sup.Subscriptions())
	}
	// still registered, so a repeat is a no-op rather than a resend
	if err := h.sup.Subscribe("run2"); err != nil {
		t.Errorf("repeat Subscribe: %v", err)
	}

	h.clock.FireAll()
	conn2, l2 := h.transport.last()
	l2.OnOpen()
	if got := subscribeIDs(conn2.frames(), wire.EventSubscribe); !equalIDs(got, []string{"run1", "run2"}) {
		t.Errorf("replay = %v, want [run1 run2]", got)
	}
}

func TestSupervisor_ReconnectScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sup.Subscribe("run1")
	h.sup.Subscribe("run2")
	h.open(t)
	_, l := h.transport.last()

	l.OnClose(errors.New("reset by peer"))
	if h.sup.State() != StateClosed {
		t.Fatalf("state = %s, want closed", h.sup.State())
	}
	if n := len(h.clock.pending()); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}
	if d := h.clock.pending()[0].d; d != DefaultReconnectDelay {
		t.Errorf("delay = %s, want %s", d, DefaultReconnectDelay)
	}

	// a second close before the timer fires must not add a timer
	l.OnClose(errors.New("again"))
	if n := len(h.clock.pending()); n != 1 {
		t.Fatalf("pending timers after second close = %d, want 1", n)
	}

	h.clock.FireAll()
	if h.transport.dials() != 2 {
		t.Fatalf("dials = %d, want 2", h.transport.dials())
	}
	conn2, l2 := h.transport.last()
	l2.OnOpen()

	got := subscribeIDs(conn2.frames(), wire.EventSubscribe)
	if !equalIDs(got, []string{"run1", "run2"}) {
		t.Errorf("resubscribes = %v, want [run1 run2]", got)
	}
	if st := h.sup.Stats(); st.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", st.Reconnects)
	}
}

func TestSupervisor_DialFailureKeepsRetrying(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithReconnectDelay(50*time.Millisecond))
	h.sup.Connect()
	for i := 0; i < 3; i++ {
		_, l := h.transport.last()
		l.OnClose(errors.New("refused"))
		pending := h.clock.pending()
		if len(pending) != 1 || pending[0].d != 50*time.Millisecond {
			t.Fatalf("attempt %d: pending = %d", i, len(pending))
		}
		h.clock.FireAll()
	}
	if h.transport.dials() != 4 {
		t.Errorf("dials = %d, want 4", h.transport.dials())
	}
}

func TestSupervisor_DisconnectCancelsTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	_, l := h.transport.last()
	l.OnClose(nil)
	if len(h.clock.pending()) != 1 {
		t.Fatal("expected a pending reconnect")
	}

	h.sup.Disconnect()
	if len(h.clock.pending()) != 0 {
		t.Error("Disconnect must cancel the pending reconnect")
	}
	h.clock.FireAll()
	if h.transport.dials() != 1 {
		t.Errorf("dials = %d, want 1", h.transport.dials())
	}
}

func TestSupervisor_DisconnectIgnoresLateEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got []wire.Envelope
	h.disp.SubscribeAll(func(env wire.Envelope) { got = append(got, env) })

	conn := h.open(t)
	_, l := h.transport.last()
	h.sup.Disconnect()
	if !conn.closed {
		t.Error("Disconnect should close the link")
	}

	l.OnMessage([]byte(`{"type":"heartbeat","timestamp":"2026-03-01T10:00:00Z"}`))
	l.OnClose(errors.New("late"))

	if len(got) != 0 {
		t.Errorf("late message was dispatched: %+v", got)
	}
	if len(h.clock.pending()) != 0 {
		t.Error("late close scheduled a reconnect")
	}
	if h.sup.State() != StateClosed {
		t.Errorf("state = %s", h.sup.State())
	}
}

func TestSupervisor_ConnectCancelsPendingTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	_, l := h.transport.last()
	l.OnClose(nil)

	h.sup.Connect()
	if h.transport.dials() != 2 {
		t.Fatalf("Connect should dial immediately, dials = %d", h.transport.dials())
	}
	if len(h.clock.pending()) != 0 {
		t.Error("pending reconnect should be cancelled")
	}
	h.clock.FireAll()
	if h.transport.dials() != 2 {
		t.Error("cancelled timer dialed again")
	}
}

func TestSupervisor_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	_, first := h.transport.at(0)
	first.OnClose(nil)
	h.clock.FireAll()

	// the superseded link reports again
	first.OnOpen()
	first.OnClose(errors.New("stale"))
	if h.sup.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", h.sup.State())
	}
	if len(h.clock.pending()) != 0 {
		t.Error("stale close scheduled a timer")
	}
}

func TestSupervisor_MalformedFrameDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got []wire.Envelope
	h.disp.SubscribeAll(func(env wire.Envelope) { got = append(got, env) })
	h.open(t)
	_, l := h.transport.last()

	l.OnMessage([]byte(`{not json`))
	l.OnMessage([]byte(`{"type":"task_update","run_id":"r","payload":{"task":{}},"timestamp":"2026-03-01T10:00:00Z"}`))
	l.OnMessage([]byte(`{"type":"log_message","run_id":"r","payload":{"level":"info","message":"ok"},"timestamp":"2026-03-01T10:00:00Z"}`))

	if h.sup.State() != StateOpen {
		t.Errorf("malformed frames must not close the link, state = %s", h.sup.State())
	}
	if len(got) != 1 || got[0].Type != wire.EventLogMessage {
		t.Errorf("dispatched = %+v", got)
	}
	st := h.sup.Stats()
	if st.Dropped != 2 || st.Received != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSupervisor_PingAnsweredWithPong(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.open(t)
	_, l := h.transport.last()
	l.OnMessage([]byte(`{"type":"ping","timestamp":"2026-03-01T10:00:00Z"}`))

	frames := conn.frames()
	if len(frames) != 1 || frames[0].Type != wire.EventPong {
		t.Errorf("frames = %+v, want one pong", frames)
	}
}

func TestSupervisor_Heartbeat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHeartbeat(time.Second))
	conn := h.open(t)

	h.clock.FireAll()
	h.clock.FireAll()
	if got := len(subscribeIDs(conn.frames(), wire.EventPing)); got != 2 {
		t.Errorf("pings = %d, want 2", got)
	}

	_, l := h.transport.last()
	l.OnClose(nil)
	for _, p := range h.clock.pending() {
		if p.d == time.Second {
			t.Error("heartbeat should stop on close")
		}
	}
}

func TestSupervisor_StateListener(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.open(t)
	_, l := h.transport.last()
	l.OnClose(nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosed}
	if len(h.states) != len(want) {
		t.Fatalf("states = %v, want %v", h.states, want)
	}
	for i := range want {
		if h.states[i] != want[i] {
			t.Errorf("states = %v, want %v", h.states, want)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateClosed:     "closed",
		StateConnecting: "connecting",
		StateOpen:       "open",
		State(9):        "State(9)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

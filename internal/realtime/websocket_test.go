package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/wire"
)

// echoServer acknowledges every subscribe with a subscribed frame and
// records the headers of the last handshake.
func echoServer(t *testing.T, headers chan<- http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case headers <- r.Header.Clone():
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil || env.Type != wire.EventSubscribe {
				continue
			}
			ack, _ := wire.Encode(wire.Envelope{
				Type:      wire.EventSubscribed,
				RunID:     env.RunID,
				Timestamp: time.Now(),
			})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := echoServer(t, headers)
	defer srv.Close()

	disp := events.NewDispatcher(10)
	acks := make(chan string, 4)
	disp.Subscribe(wire.EventSubscribed, func(env wire.Envelope) { acks <- env.RunID })

	opened := make(chan struct{}, 1)
	sup := New(
		"ws"+strings.TrimPrefix(srv.URL, "http"),
		NewWebSocketTransport(WithToken("secret"), WithDialTimeout(2*time.Second)),
		disp,
		WithStateListener(func(s State) {
			if s == StateOpen {
				select {
				case opened <- struct{}{}:
				default:
				}
			}
		}),
	)
	sup.Subscribe("run1")
	sup.Connect()
	defer sup.Disconnect()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for open")
	}

	select {
	case id := <-acks:
		if id != "run1" {
			t.Errorf("ack for %q, want run1", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replayed subscribe ack")
	}

	if err := sup.Subscribe("run2"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case id := <-acks:
		if id != "run2" {
			t.Errorf("ack for %q, want run2", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live subscribe ack")
	}

	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if h.Get("X-Client-ID") == "" {
		t.Error("missing X-Client-ID")
	}
}

type chanListener struct {
	closed chan error
}

func (l *chanListener) OnOpen()           {}
func (l *chanListener) OnMessage([]byte)  {}
func (l *chanListener) OnClose(err error) { l.closed <- err }

func TestWebSocketTransport_DialFailureReportsClose(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	l := &chanListener{closed: make(chan error, 1)}
	conn := NewWebSocketTransport(WithDialTimeout(time.Second)).Dial("ws"+strings.TrimPrefix(srv.URL, "http"), l)

	select {
	case err := <-l.closed:
		if err == nil {
			t.Error("expected a dial error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := conn.Send(ctx, []byte("{}")); err != ErrConnClosed {
		t.Errorf("Send after failure = %v, want ErrConnClosed", err)
	}
}

func TestWebSocketTransport_CloseCause(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "backend crashed")
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	wait := func(t *testing.T, l *chanListener) error {
		t.Helper()
		select {
		case err := <-l.closed:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("OnClose not reported")
			return nil
		}
	}

	t.Run("server error kept", func(t *testing.T) {
		l := &chanListener{closed: make(chan error, 1)}
		NewWebSocketTransport().Dial(url, l)
		err := wait(t, l)
		if websocket.CloseStatus(err) != websocket.StatusInternalError {
			t.Errorf("OnClose err = %v, want status %v", err, websocket.StatusInternalError)
		}
	})

	t.Run("local close is clean", func(t *testing.T) {
		echo := echoServer(t, make(chan http.Header, 1))
		defer echo.Close()

		l := &openListener{chanListener: chanListener{closed: make(chan error, 1)}, opened: make(chan struct{})}
		conn := NewWebSocketTransport().Dial("ws"+strings.TrimPrefix(echo.URL, "http"), l)
		select {
		case <-l.opened:
		case <-time.After(5 * time.Second):
			t.Fatal("never opened")
		}
		conn.Close()
		if err := wait(t, &l.chanListener); err != nil {
			t.Errorf("OnClose err after local Close = %v, want nil", err)
		}
	})
}

type openListener struct {
	chanListener
	opened chan struct{}
}

func (l *openListener) OnOpen() { close(l.opened) }

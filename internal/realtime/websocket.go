package realtime

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// WebSocket defaults.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueueSize    = 256
	DefaultReadLimit    = 4 << 20
)

// WebSocketOption configures a WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

// WithToken sends a bearer token on every dial.
func WithToken(token string) WebSocketOption {
	return func(t *WebSocketTransport) { t.token = token }
}

// WithDialTimeout bounds the handshake.
func WithDialTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithQueueSize sets the outbound queue length per link.
func WithQueueSize(n int) WebSocketOption {
	return func(t *WebSocketTransport) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WebSocketTransport dials links with nhooyr.io/websocket.
type WebSocketTransport struct {
	token        string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	queueSize    int
	readLimit    int64
}

// NewWebSocketTransport creates a transport with defaults applied.
func NewWebSocketTransport(opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		queueSize:    DefaultQueueSize,
		readLimit:    DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial starts connecting in the background and returns the sending half.
func (t *WebSocketTransport) Dial(url string, l Listener) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		send:     make(chan []byte, t.queueSize),
		done:     make(chan struct{}),
		cancel:   cancel,
		clientID: uuid.NewString(),
	}
	go c.run(ctx, t, url, l)
	return c
}

// wsConn is one link. run owns the socket; Send only touches the queue.
type wsConn struct {
	send     chan []byte
	done     chan struct{}
	cancel   context.CancelFunc
	clientID string

	mu        sync.Mutex
	ws        *websocket.Conn
	closing   bool
	closeOnce sync.Once
}

func (c *wsConn) run(ctx context.Context, t *WebSocketTransport, url string, l Listener) {
	header := http.Header{}
	header.Set("X-Client-ID", c.clientID)
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	dialCancel()
	if err != nil {
		c.finish(l, err)
		return
	}
	ws.SetReadLimit(t.readLimit)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "")
		c.finish(l, nil)
		return
	}
	c.ws = ws
	c.mu.Unlock()

	go c.writePump(ctx, ws, t.writeTimeout)
	l.OnOpen()

	err = c.readPump(ctx, ws, l)
	// ctx is only done here if Close ran, so decide before cancelling it
	localClose := ctx.Err() != nil
	c.cancel()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	if localClose || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	c.finish(l, err)
}

// finish marks the link dead before reporting, so Send fails from then on.
func (c *wsConn) finish(l Listener, err error) {
	c.cancel()
	close(c.done)
	l.OnClose(err)
}

func (c *wsConn) readPump(ctx context.Context, ws *websocket.Conn, l Listener) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			log.Printf("[realtime] ignoring binary frame (%d bytes)", len(data))
			continue
		}
		l.OnMessage(data)
	}
}

func (c *wsConn) writePump(ctx context.Context, ws *websocket.Conn, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Printf("[realtime] write failed: %v", err)
				_ = ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Send queues data for the write pump.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close starts a normal closure. OnClose follows from the run goroutine.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			go func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()
		}
		c.cancel()
	})
	return nil
}

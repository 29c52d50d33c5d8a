package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrConnClosed is returned by Conn.Send after the link is gone.
var ErrConnClosed = errors.New("connection closed")

// Listener receives the events of one physical link. A transport reports
// them from a single goroutine: OnOpen at most once, then zero or more
// OnMessage, then OnClose exactly once (with a nil error for a clean close).
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error)
}

// Conn is the sending half of a link.
type Conn interface {
	// Send queues one text frame. It must not block past ctx.
	Send(ctx context.Context, data []byte) error
	// Close tears the link down. The listener still gets OnClose.
	Close() error
}

// Transport opens links. Dial returns immediately and must not invoke the
// listener before it returns.
type Transport interface {
	Dial(url string, l Listener) Conn
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via
// StdAfterFunc; tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc is the wall clock scheduler.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

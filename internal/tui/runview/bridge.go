package runview

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/theirongolddev/runwatch/internal/realtime"
	"github.com/theirongolddev/runwatch/internal/wire"
)

// Bridge forwards callbacks from the store, the supervisor and the dispatcher
// into a running program. Callbacks that arrive before Bind are dropped; the
// model takes a fresh snapshot when it starts.
type Bridge struct {
	p atomic.Pointer[tea.Program]
}

// Bind attaches the program messages are sent to.
func (b *Bridge) Bind(p *tea.Program) { b.p.Store(p) }

// Unbind stops forwarding.
func (b *Bridge) Unbind() { b.p.Store(nil) }

func (b *Bridge) send(msg tea.Msg) {
	if p := b.p.Load(); p != nil {
		p.Send(msg)
	}
}

// RunChanged is a runstate change listener.
func (b *Bridge) RunChanged(runID string) { b.send(RunChangedMsg{RunID: runID}) }

// ConnState is a realtime state listener.
func (b *Bridge) ConnState(s realtime.State) { b.send(ConnStateMsg{State: s}) }

// Envelope is a dispatcher handler feeding the event log.
func (b *Bridge) Envelope(env wire.Envelope) { b.send(EnvelopeMsg{Env: env}) }

package cli

import (
	"fmt"
	"log"

	"github.com/theirongolddev/runwatch/internal/config"
	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/notify"
	"github.com/theirongolddev/runwatch/internal/realtime"
)

// liveSession is one realtime link feeding a dispatcher, optionally recorded
// to disk.
type liveSession struct {
	dispatcher *events.Dispatcher
	supervisor *realtime.Supervisor
	recorder   *events.Recorder
	stopRecord events.UnsubscribeFunc
	stopNotify events.UnsubscribeFunc
}

// newLiveSession wires a supervisor to a fresh dispatcher. recordPath
// overrides events.record_path when set. Nothing connects until Start.
func newLiveSession(c *config.Config, recordPath string, onState func(realtime.State)) (*liveSession, error) {
	s := &liveSession{dispatcher: events.NewDispatcher(c.Events.HistorySize)}

	if recordPath == "" {
		recordPath = c.Events.RecordPath
	}
	if recordPath != "" {
		rec, err := events.NewRecorder(recordPath, c.Events.Retention())
		if err != nil {
			return nil, fmt.Errorf("opening event recording: %w", err)
		}
		s.recorder = rec
		s.stopRecord = rec.Attach(s.dispatcher)
	}

	if c.Notify.Enabled {
		s.stopNotify = notify.New(c.Notify).Attach(s.dispatcher)
	}

	opts := []realtime.Option{
		realtime.WithReconnectDelay(c.Connection.ReconnectDelay()),
		realtime.WithHeartbeat(c.Connection.HeartbeatInterval()),
		realtime.WithSendTimeout(c.Connection.SendTimeout()),
	}
	if onState != nil {
		opts = append(opts, realtime.WithStateListener(onState))
	}
	transport := realtime.NewWebSocketTransport(realtime.WithToken(c.Server.Token))
	s.supervisor = realtime.New(c.Server.WSURL, transport, s.dispatcher, opts...)
	return s, nil
}

// withoutNotify returns c, or a copy of it with notifications switched off.
func withoutNotify(c *config.Config, off bool) *config.Config {
	if !off {
		return c
	}
	cc := *c
	cc.Notify.Enabled = false
	return &cc
}

// Start subscribes runIDs and opens the link.
func (s *liveSession) Start(runIDs []string) error {
	for _, id := range runIDs {
		if err := s.supervisor.Subscribe(id); err != nil {
			return fmt.Errorf("subscribing %s: %w", id, err)
		}
	}
	s.supervisor.Connect()
	return nil
}

// Close tears the link down and flushes the recording.
func (s *liveSession) Close() {
	s.supervisor.Disconnect()
	if s.stopNotify != nil {
		s.stopNotify()
	}
	if s.recorder != nil {
		s.stopRecord()
		if err := s.recorder.Close(); err != nil {
			log.Printf("[cli] closing recording: %v", err)
		}
	}
}

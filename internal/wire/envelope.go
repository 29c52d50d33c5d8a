// Package wire defines the realtime envelope exchanged with the orchestration
// server and the codec that turns frames into typed envelopes.
package wire

import (
	"time"

	"github.com/theirongolddev/runwatch/internal/task"
)

// EventType is the kind of an envelope.
type EventType string

const (
	// Server events
	EventStateUpdate EventType = "state_update"
	EventTaskUpdate  EventType = "task_update"
	EventLogMessage  EventType = "log_message"
	EventHumanNeeded EventType = "human_needed"
	EventRunComplete EventType = "run_complete"
	EventError       EventType = "error"
	EventHeartbeat   EventType = "heartbeat"

	// Channel control
	EventSubscribe    EventType = "subscribe"
	EventUnsubscribe  EventType = "unsubscribe"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"

	// Liveness
	EventPing EventType = "ping"
	EventPong EventType = "pong"
)

// EventTypes lists every recognised type.
var EventTypes = []EventType{
	EventStateUpdate, EventTaskUpdate, EventLogMessage, EventHumanNeeded,
	EventRunComplete, EventError, EventHeartbeat,
	EventSubscribe, EventUnsubscribe, EventSubscribed, EventUnsubscribed,
	EventPing, EventPong,
}

// Known reports whether t is a recognised envelope type.
func (t EventType) Known() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Envelope is one realtime event. Envelopes are treated as immutable once
// decoded; Payload's concrete type is determined by Type.
type Envelope struct {
	Type      EventType
	RunID     string
	Payload   Payload
	Timestamp time.Time
}

// Global reports whether the envelope is not scoped to a run.
func (e Envelope) Global() bool {
	return e.RunID == ""
}

// Payload is implemented by every per-type payload shape.
type Payload interface {
	EventType() EventType
}

// StateUpdate carries the authoritative task list of a run.
type StateUpdate struct {
	Status task.RunStatus `json:"status"`
	Tasks  []task.Task    `json:"tasks"`
}

func (StateUpdate) EventType() EventType { return EventStateUpdate }

// TaskUpdate carries one whole task.
type TaskUpdate struct {
	Task task.Task `json:"task"`
}

func (TaskUpdate) EventType() EventType { return EventTaskUpdate }

// LogMessage is a line of run output.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

func (LogMessage) EventType() EventType { return EventLogMessage }

// HumanNeeded asks an operator to resolve a task.
type HumanNeeded struct {
	TaskID   string   `json:"task_id"`
	Reason   string   `json:"reason"`
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

func (HumanNeeded) EventType() EventType { return EventHumanNeeded }

// RunComplete reports the final status of a run.
type RunComplete struct {
	Status  task.RunStatus `json:"status"`
	Summary string         `json:"summary,omitempty"`
}

func (RunComplete) EventType() EventType { return EventRunComplete }

// ErrorPayload is a server-side error report.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (ErrorPayload) EventType() EventType { return EventError }

// Control is the empty payload of heartbeat, channel control and liveness
// envelopes.
type Control struct {
	Type EventType `json:"-"`
}

func (c Control) EventType() EventType { return c.Type }

var payloadFactories = map[EventType]func() Payload{
	EventStateUpdate:  func() Payload { return &StateUpdate{} },
	EventTaskUpdate:   func() Payload { return &TaskUpdate{} },
	EventLogMessage:   func() Payload { return &LogMessage{} },
	EventHumanNeeded:  func() Payload { return &HumanNeeded{} },
	EventRunComplete:  func() Payload { return &RunComplete{} },
	EventError:        func() Payload { return &ErrorPayload{} },
	EventHeartbeat:    func() Payload { return &Control{Type: EventHeartbeat} },
	EventSubscribe:    func() Payload { return &Control{Type: EventSubscribe} },
	EventUnsubscribe:  func() Payload { return &Control{Type: EventUnsubscribe} },
	EventSubscribed:   func() Payload { return &Control{Type: EventSubscribed} },
	EventUnsubscribed: func() Payload { return &Control{Type: EventUnsubscribed} },
	EventPing:         func() Payload { return &Control{Type: EventPing} },
	EventPong:         func() Payload { return &Control{Type: EventPong} },
}

// NewSubscribe builds the outbound subscribe request for a run.
func NewSubscribe(runID string) Envelope {
	return Envelope{Type: EventSubscribe, RunID: runID, Payload: Control{Type: EventSubscribe}, Timestamp: time.Now().UTC()}
}

// NewUnsubscribe builds the outbound unsubscribe request for a run.
func NewUnsubscribe(runID string) Envelope {
	return Envelope{Type: EventUnsubscribe, RunID: runID, Payload: Control{Type: EventUnsubscribe}, Timestamp: time.Now().UTC()}
}

// NewPing builds a client heartbeat.
func NewPing() Envelope {
	return Envelope{Type: EventPing, Payload: Control{Type: EventPing}, Timestamp: time.Now().UTC()}
}

// NewPong builds the reply to a server ping.
func NewPong() Envelope {
	return Envelope{Type: EventPong, Payload: Control{Type: EventPong}, Timestamp: time.Now().UTC()}
}

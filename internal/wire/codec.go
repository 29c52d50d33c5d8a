package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformed is wrapped by every DecodeError.
var ErrMalformed = errors.New("malformed envelope")

// DecodeError describes why a frame was rejected. Type and RunID are filled
// in when they could be read, so the frame can still be logged usefully.
type DecodeError struct {
	Reason string
	Type   string
	RunID  string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	msg := "wire: " + e.Reason
	if e.Type != "" {
		msg += fmt.Sprintf(" (type=%s", e.Type)
		if e.RunID != "" {
			msg += " run=" + e.RunID
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is(err, ErrMalformed) and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// IsMalformed reports whether err came from rejecting a frame.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// frame is the JSON shape on the wire.
type frame struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// timestamps without a zone are produced by some servers; they are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Decode parses and validates one frame.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, &DecodeError{Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, &DecodeError{Reason: "frame is not an object"}
	}

	typ := root.Get("type")
	if !typ.Exists() || typ.Type != gjson.String || typ.String() == "" {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}
	et := EventType(typ.String())

	derr := &DecodeError{Type: string(et)}
	runID := root.Get("run_id")
	if runID.Exists() && runID.Type != gjson.Null {
		if runID.Type != gjson.String {
			derr.Reason = "run_id is not a string"
			return Envelope{}, derr
		}
		derr.RunID = runID.String()
	}

	factory, ok := payloadFactories[et]
	if !ok {
		derr.Reason = "unknown type"
		return Envelope{}, derr
	}

	tsField := root.Get("timestamp")
	if !tsField.Exists() || tsField.Type != gjson.String {
		derr.Reason = "missing timestamp"
		return Envelope{}, derr
	}
	ts, err := parseTimestamp(tsField.String())
	if err != nil {
		derr.Reason = "bad timestamp"
		derr.Err = err
		return Envelope{}, derr
	}

	payload := factory()
	if raw := root.Get("payload"); raw.Exists() && raw.Type != gjson.Null {
		if !raw.IsObject() {
			derr.Reason = "payload is not an object"
			return Envelope{}, derr
		}
		if err := json.Unmarshal([]byte(raw.Raw), payload); err != nil {
			derr.Reason = "payload does not match type"
			derr.Err = err
			return Envelope{}, derr
		}
	}

	env := Envelope{
		Type:      et,
		RunID:     derr.RunID,
		Payload:   deref(payload),
		Timestamp: ts,
	}
	if reason := validate(env); reason != "" {
		derr.Reason = reason
		return Envelope{}, derr
	}
	return env, nil
}

// deref stores payloads by value so consumers switch on value types. Slices
// inside a payload (tasks, depends_on, options) are still shared by every
// copy of the envelope; consumers that keep them must clone.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StateUpdate:
		return *v
	case *TaskUpdate:
		return *v
	case *LogMessage:
		return *v
	case *HumanNeeded:
		return *v
	case *RunComplete:
		return *v
	case *ErrorPayload:
		return *v
	case *Control:
		return *v
	}
	return p
}

// validate returns a non-empty reason when a type-specific required field is
// missing.
func validate(env Envelope) string {
	switch p := env.Payload.(type) {
	case TaskUpdate:
		if p.Task.ID == "" {
			return "task_update without task.id"
		}
	case StateUpdate:
		for _, t := range p.Tasks {
			if t.ID == "" {
				return "state_update task without id"
			}
		}
	case HumanNeeded:
		if p.TaskID == "" {
			return "human_needed without task_id"
		}
	}
	switch env.Type {
	case EventSubscribed, EventUnsubscribed:
		if env.RunID == "" {
			return string(env.Type) + " without run_id"
		}
	}
	return ""
}

// Encode serializes an envelope. A nil payload is written as an empty object.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Known() {
		return nil, fmt.Errorf("encoding envelope: unknown type %q", env.Type)
	}
	payload := []byte("{}")
	if env.Payload != nil {
		if _, isControl := env.Payload.(Control); !isControl {
			if env.Payload.EventType() != env.Type {
				return nil, fmt.Errorf("encoding envelope: %s payload on %s envelope", env.Payload.EventType(), env.Type)
			}
			b, err := json.Marshal(env.Payload)
			if err != nil {
				return nil, fmt.Errorf("encoding %s payload: %w", env.Type, err)
			}
			payload = b
		}
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(frame{
		Type:      env.Type,
		RunID:     env.RunID,
		Payload:   payload,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// MarshalJSON renders an envelope in its wire form, so history dumps and
// `tail --json` emit exactly what a server would send.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

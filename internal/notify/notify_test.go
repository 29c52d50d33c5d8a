package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/task"
	"github.com/theirongolddev/runwatch/internal/wire"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if !cfg.Enabled || !cfg.Desktop.Enabled {
		t.Error("default config should notify on the desktop")
	}
	n := New(cfg)
	if !n.Wants(EventHumanNeeded) || !n.Wants(EventRunFailed) {
		t.Error("human.needed and run.failed should be on by default")
	}
	if n.Wants(EventRunComplete) {
		t.Error("run.complete should be off by default")
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	n := New(Config{Enabled: false, Events: []string{"human.needed"}, Desktop: DesktopConfig{Enabled: true}})
	n.desktop = func(string, string) error {
		t.Error("desktop called while disabled")
		return nil
	}
	if err := n.Notify(Event{Type: EventHumanNeeded}); err != nil {
		t.Errorf("Notify: %v", err)
	}
}

func TestWebhookNotification(t *testing.T) {
	t.Parallel()

	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("X-Team") != "ops" {
			t.Errorf("X-Team = %q", r.Header.Get("X-Team"))
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer ts.Close()

	n := New(Config{
		Enabled: true,
		Events:  []string{"run.failed"},
		Webhook: WebhookConfig{
			Enabled:  true,
			URL:      ts.URL,
			Template: `{"text": "{{.Type}} {{.RunID}} - {{.Message}}"}`,
			Headers:  map[string]string{"X-Team": "ops"},
		},
	})
	if err := n.Notify(Event{Type: EventRunFailed, RunID: "run-1", Message: "run failed"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got["text"] != "run.failed run-1 - run failed" {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	n := New(Config{
		Enabled: true,
		Events:  []string{"server.error"},
		Webhook: WebhookConfig{Enabled: true, URL: ts.URL},
	})
	err := n.Notify(Event{Type: EventServerError, Message: "boom"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want 502", err)
	}
}

func TestLogNotification(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "nested", "notify.log")
	n := New(Config{
		Enabled: true,
		Events:  []string{"human.needed"},
		Log:     LogConfig{Enabled: true, Path: logPath},
	})

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := n.Notify(Event{Type: EventHumanNeeded, Timestamp: ts, RunID: "run-1", Message: "b needs a human: review"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2026-03-01T12:00:00Z] [run-1] human.needed: b needs a human: review\n"
	if string(data) != want {
		t.Errorf("log = %q, want %q", data, want)
	}
}

func TestDesktopTitle(t *testing.T) {
	t.Parallel()

	n := New(Config{Enabled: true, Events: []string{"run.complete"}, Desktop: DesktopConfig{Enabled: true}})
	var title, msg string
	n.desktop = func(tt, m string) error {
		title, msg = tt, m
		return nil
	}
	if err := n.Notify(Event{Type: EventRunComplete, RunID: "run-9"}); err != nil {
		t.Fatal(err)
	}
	if title != "runwatch [run-9]" || msg != "run.complete" {
		t.Errorf("title=%q msg=%q", title, msg)
	}
}

func TestFromEnvelope(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		payload wire.Payload
		ok      bool
		want    EventType
		message string
	}{
		{"human", wire.HumanNeeded{TaskID: "b", Reason: "approval", Question: "ship?"}, true, EventHumanNeeded, "b needs a human: approval"},
		{"complete", wire.RunComplete{Status: task.RunComplete, Summary: "4/4"}, true, EventRunComplete, "run complete: 4/4"},
		{"failed", wire.RunComplete{Status: task.RunFailed}, true, EventRunFailed, "run failed"},
		{"error", wire.ErrorPayload{Message: "busy", Code: "E1"}, true, EventServerError, "busy"},
		{"log", wire.LogMessage{Level: "info", Message: "hi"}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := FromEnvelope(wire.Envelope{RunID: "run-1", Timestamp: ts, Payload: tt.payload})
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Type != tt.want || ev.Message != tt.message || ev.RunID != "run-1" || !ev.Timestamp.Equal(ts) {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestAttachNotifiesWantedEvents(t *testing.T) {
	t.Parallel()

	n := New(Config{Enabled: true, Events: []string{"human.needed"}, Desktop: DesktopConfig{Enabled: true}})
	var (
		mu    sync.Mutex
		calls []string
		done  = make(chan struct{}, 4)
	)
	n.desktop = func(_, m string) error {
		mu.Lock()
		calls = append(calls, m)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	d := events.NewDispatcher(10)
	unsub := n.Attach(d)
	d.Dispatch(wire.Envelope{Type: wire.EventRunComplete, RunID: "run-1", Payload: wire.RunComplete{Status: task.RunComplete}})
	d.Dispatch(wire.Envelope{Type: wire.EventHumanNeeded, RunID: "run-1", Payload: wire.HumanNeeded{TaskID: "b", Reason: "review"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no desktop notification")
	}
	unsub()
	d.Dispatch(wire.Envelope{Type: wire.EventHumanNeeded, RunID: "run-1", Payload: wire.HumanNeeded{TaskID: "c", Reason: "again"}})

	select {
	case <-done:
		t.Error("notified after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "b needs a human: review" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAttachDetachWaitsForDelivery(t *testing.T) {
	t.Parallel()

	n := New(Config{Enabled: true, Events: []string{"human.needed"}, Desktop: DesktopConfig{Enabled: true}})
	entered := make(chan struct{}, attachQueueSize*2)
	release := make(chan struct{})
	var (
		mu        sync.Mutex
		delivered int
	)
	n.desktop = func(string, string) error {
		entered <- struct{}{}
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}

	d := events.NewDispatcher(10)
	stop := n.Attach(d)
	human := wire.Envelope{Type: wire.EventHumanNeeded, RunID: "run-1", Payload: wire.HumanNeeded{TaskID: "b", Reason: "review"}}
	d.Dispatch(human)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	// the worker is stuck; dispatching past the queue bound must not block
	dispatched := make(chan struct{})
	go func() {
		for range attachQueueSize + 5 {
			d.Dispatch(human)
		}
		close(dispatched)
	}()
	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a full notify queue")
	}

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("detach returned with a delivery in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("detach never returned")
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != attachQueueSize+1 {
		t.Errorf("delivered = %d, want %d", delivered, attachQueueSize+1)
	}
	d.Dispatch(human)
	if delivered != attachQueueSize+1 {
		t.Error("delivered after detach")
	}
}

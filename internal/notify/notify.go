// Package notify tells an operator about run events that need attention.
// Supports desktop notifications, webhooks, shell commands, and log files.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/task"
	"github.com/theirongolddev/runwatch/internal/wire"
)

// EventType represents the type of notification event
type EventType string

const (
	EventHumanNeeded EventType = "human.needed" // A task waits on an operator
	EventRunComplete EventType = "run.complete" // A run finished successfully
	EventRunFailed   EventType = "run.failed"   // A run finished in failure
	EventServerError EventType = "server.error" // The server reported an error
)

// Event represents a notification event
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	RunID     string            `json:"run_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// Config holds notification configuration
type Config struct {
	Enabled bool     `toml:"enabled" json:"enabled"`
	Events  []string `toml:"events" json:"events"` // Which events to notify on

	Desktop DesktopConfig `toml:"desktop" json:"desktop"`
	Webhook WebhookConfig `toml:"webhook" json:"webhook"`
	Shell   ShellConfig   `toml:"shell" json:"shell"`
	Log     LogConfig     `toml:"log" json:"log"`
}

// DesktopConfig configures desktop notifications
type DesktopConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Title   string `toml:"title" json:"title"` // Default title prefix
}

// WebhookConfig configures webhook notifications
type WebhookConfig struct {
	Enabled  bool              `toml:"enabled" json:"enabled"`
	URL      string            `toml:"url" json:"url"`
	Template string            `toml:"template" json:"template"` // Go template for payload
	Method   string            `toml:"method" json:"method"`     // HTTP method (default POST)
	Headers  map[string]string `toml:"headers" json:"headers,omitempty"`
}

// ShellConfig configures shell command notifications
type ShellConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	Command  string `toml:"command" json:"command"`     // Command to run
	PassJSON bool   `toml:"pass_json" json:"pass_json"` // Pass event as JSON stdin
}

// LogConfig configures log file notifications
type LogConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"` // Log file path
}

// DefaultConfig returns a default notification configuration
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Events:  []string{string(EventHumanNeeded), string(EventRunFailed)},
		Desktop: DesktopConfig{
			Enabled: true,
			Title:   "runwatch",
		},
		Webhook: WebhookConfig{
			Method:   "POST",
			Template: `{"text": "runwatch: {{.Type}} {{.RunID}} - {{.Message}}"}`,
		},
		Shell: ShellConfig{
			PassJSON: true,
		},
		Log: LogConfig{
			Path: "~/.local/state/runwatch/notifications.log",
		},
	}
}

// Notifier sends notifications through configured channels
type Notifier struct {
	config     Config
	enabledSet map[EventType]bool
	mu         sync.Mutex
	httpClient *http.Client
	desktop    func(title, message string) error
}

// New creates a new Notifier with the given configuration
func New(cfg Config) *Notifier {
	n := &Notifier{
		config:     cfg,
		enabledSet: make(map[EventType]bool),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		desktop:    sendDesktopNotification,
	}
	for _, e := range cfg.Events {
		n.enabledSet[EventType(e)] = true
	}
	return n
}

// Wants reports whether events of type t are delivered.
func (n *Notifier) Wants(t EventType) bool {
	return n.config.Enabled && n.enabledSet[t]
}

// Notify sends a notification for the given event
func (n *Notifier) Notify(event Event) error {
	if !n.Wants(event.Type) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range n.channels() {
		wg.Go(func() {
			if err := ch.send(event); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch.name, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

type channel struct {
	name string
	send func(Event) error
}

// channels lists the enabled and usable delivery channels.
func (n *Notifier) channels() []channel {
	var out []channel
	c := n.config
	if c.Desktop.Enabled {
		out = append(out, channel{"desktop", n.sendDesktop})
	}
	if c.Webhook.Enabled && c.Webhook.URL != "" {
		out = append(out, channel{"webhook", n.sendWebhook})
	}
	if c.Shell.Enabled && c.Shell.Command != "" {
		out = append(out, channel{"shell", n.sendShell})
	}
	if c.Log.Enabled && c.Log.Path != "" {
		out = append(out, channel{"log", n.sendLog})
	}
	return out
}

// FromEnvelope maps a realtime envelope to a notification event. Envelopes
// that never notify return false.
func FromEnvelope(env wire.Envelope) (Event, bool) {
	ev := Event{Timestamp: env.Timestamp, RunID: env.RunID}
	switch p := env.Payload.(type) {
	case wire.HumanNeeded:
		ev.Type = EventHumanNeeded
		ev.TaskID = p.TaskID
		ev.Message = fmt.Sprintf("%s needs a human: %s", p.TaskID, p.Reason)
		if p.Question != "" {
			ev.Details = map[string]string{"question": p.Question}
		}
	case wire.RunComplete:
		ev.Type = EventRunComplete
		if p.Status == task.RunFailed {
			ev.Type = EventRunFailed
		}
		ev.Message = fmt.Sprintf("run %s", p.Status)
		if p.Summary != "" {
			ev.Message += ": " + p.Summary
		}
	case wire.ErrorPayload:
		ev.Type = EventServerError
		ev.Message = p.Message
		if p.Code != "" {
			ev.Details = map[string]string{"code": p.Code}
		}
	default:
		return Event{}, false
	}
	return ev, true
}

// attachQueueSize bounds the events waiting for delivery behind Attach.
const attachQueueSize = 32

// Attach notifies on every relevant envelope d delivers. A single worker
// delivers off the dispatching goroutine; failures are logged and events
// arriving while the queue is full are dropped. The returned func detaches
// and waits for queued deliveries to finish.
func (n *Notifier) Attach(d *events.Dispatcher) events.UnsubscribeFunc {
	var (
		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	)
	queue := make(chan Event, attachQueueSize)
	wg.Go(func() {
		for ev := range queue {
			if err := n.Notify(ev); err != nil {
				log.Printf("[notify] %s: %v", ev.Type, err)
			}
		}
	})

	unsub := d.SubscribeAll(func(env wire.Envelope) {
		ev, ok := FromEnvelope(env)
		if !ok || !n.Wants(ev.Type) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case queue <- ev:
		default:
			log.Printf("[notify] queue full, dropping %s for run %s", ev.Type, ev.RunID)
		}
	})

	return func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(queue)
		}
		mu.Unlock()
		wg.Wait()
	}
}

func (n *Notifier) sendDesktop(event Event) error {
	title := n.config.Desktop.Title
	if title == "" {
		title = "runwatch"
	}
	if event.RunID != "" {
		title = fmt.Sprintf("%s [%s]", title, event.RunID)
	}
	message := event.Message
	if message == "" {
		message = string(event.Type)
	}
	return n.desktop(title, message)
}

func sendDesktopNotification(title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, message, title)
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return fmt.Errorf("notify-send not found")
		}
		return exec.Command("notify-send", title, message).Run()
	default:
		return fmt.Errorf("desktop notifications not supported on %s", runtime.GOOS)
	}
}

func (n *Notifier) sendWebhook(event Event) error {
	tmplStr := n.config.Webhook.Template
	if tmplStr == "" {
		tmplStr = `{"event":"{{.Type}}","run_id":"{{.RunID}}","message":"{{.Message}}","timestamp":"{{.Timestamp}}"}`
	}
	tmpl, err := template.New("webhook").Parse(tmplStr)
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, event); err != nil {
		return fmt.Errorf("template execution failed: %w", err)
	}

	method := n.config.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, n.config.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.config.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (n *Notifier) sendShell(event Event) error {
	cmd := exec.Command("sh", "-c", expandHome(n.config.Shell.Command))
	if n.config.Shell.PassJSON {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		cmd.Stdin = bytes.NewReader(data)
	}
	cmd.Env = append(os.Environ(),
		"RUNWATCH_EVENT_TYPE="+string(event.Type),
		"RUNWATCH_EVENT_MESSAGE="+event.Message,
		"RUNWATCH_EVENT_RUN="+event.RunID,
		"RUNWATCH_EVENT_TASK="+event.TaskID,
	)
	return cmd.Run()
}

func (n *Notifier) sendLog(event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	path := expandHome(n.config.Log.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	prefix := "[" + event.Timestamp.Format(time.RFC3339) + "]"
	if event.RunID != "" {
		prefix += " [" + event.RunID + "]"
	}
	line := fmt.Sprintf("%s %s: %s", prefix, event.Type, event.Message)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("failed to write to log: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

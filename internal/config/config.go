// Package config loads the runwatch TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/theirongolddev/runwatch/internal/graph"
	"github.com/theirongolddev/runwatch/internal/notify"
)

const (
	// DefaultWSURL is the default realtime endpoint.
	DefaultWSURL = "ws://127.0.0.1:8000/ws"

	// DefaultAPIURL is the default REST base.
	DefaultAPIURL = "http://127.0.0.1:8000/api/"
)

// Config represents the main configuration
type Config struct {
	Server     ServerConfig     `toml:"server" json:"server"`
	Connection ConnectionConfig `toml:"connection" json:"connection"`
	Events     EventsConfig     `toml:"events" json:"events"`
	Graph      graph.Options    `toml:"graph" json:"graph"`
	UI         UIConfig         `toml:"ui" json:"ui"`
	Notify     notify.Config    `toml:"notify" json:"notify"`
}

// ServerConfig points at the orchestration server.
type ServerConfig struct {
	WSURL  string `toml:"ws_url" json:"ws_url"`
	APIURL string `toml:"api_url" json:"api_url"`
	Token  string `toml:"token" json:"token,omitempty"` // sent as a bearer token on both links
}

// ConnectionConfig tunes the realtime link.
type ConnectionConfig struct {
	ReconnectDelayMS    int `toml:"reconnect_delay_ms" json:"reconnect_delay_ms"`
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"` // 0 disables client pings
	SendTimeoutMS       int `toml:"send_timeout_ms" json:"send_timeout_ms"`
	RequestTimeoutMS    int `toml:"request_timeout_ms" json:"request_timeout_ms"`
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c ConnectionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// HeartbeatInterval returns the client ping interval, zero when disabled.
func (c ConnectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// SendTimeout returns the per-send enqueue timeout.
func (c ConnectionConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the REST request timeout.
func (c ConnectionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// EventsConfig controls the in-memory history and the optional JSONL recording.
type EventsConfig struct {
	HistorySize   int    `toml:"history_size" json:"history_size"`
	RecordPath    string `toml:"record_path" json:"record_path"` // empty disables recording
	RetentionDays int    `toml:"retention_days" json:"retention_days"`
}

// Retention returns the recording retention window.
func (e EventsConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// UIConfig holds TUI settings.
type UIConfig struct {
	Theme   string `toml:"theme" json:"theme"`       // auto, dark, light
	LogFile string `toml:"log_file" json:"log_file"` // where the TUI sends log output; empty discards it
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "runwatch", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "runwatch", "config.toml")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:  DefaultWSURL,
			APIURL: DefaultAPIURL,
		},
		Connection: ConnectionConfig{
			ReconnectDelayMS:    3000,
			HeartbeatIntervalMS: 0,
			SendTimeoutMS:       2000,
			RequestTimeoutMS:    10000,
		},
		Events: EventsConfig{
			HistorySize:   100,
			RetentionDays: 7,
		},
		Graph: graph.DefaultOptions(),
		UI: UIConfig{
			Theme: "auto",
		},
		Notify: notify.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults;
// environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	// [notify] carries booleans, so it decodes over its defaults
	cfg := &Config{Notify: notify.DefaultConfig()}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = d.Server.WSURL
	}
	if cfg.Server.APIURL == "" {
		cfg.Server.APIURL = d.Server.APIURL
	}
	if cfg.Connection.ReconnectDelayMS == 0 {
		cfg.Connection.ReconnectDelayMS = d.Connection.ReconnectDelayMS
	}
	if cfg.Connection.SendTimeoutMS == 0 {
		cfg.Connection.SendTimeoutMS = d.Connection.SendTimeoutMS
	}
	if cfg.Connection.RequestTimeoutMS == 0 {
		cfg.Connection.RequestTimeoutMS = d.Connection.RequestTimeoutMS
	}
	if cfg.Events.HistorySize == 0 {
		cfg.Events.HistorySize = d.Events.HistorySize
	}
	if cfg.Events.RetentionDays == 0 {
		cfg.Events.RetentionDays = d.Events.RetentionDays
	}

	// Per-field so a partial [graph] table keeps the other defaults
	if cfg.Graph.NodeWidth == 0 {
		cfg.Graph.NodeWidth = d.Graph.NodeWidth
	}
	if cfg.Graph.NodeHeight == 0 {
		cfg.Graph.NodeHeight = d.Graph.NodeHeight
	}
	if cfg.Graph.RankGap == 0 {
		cfg.Graph.RankGap = d.Graph.RankGap
	}
	if cfg.Graph.NodeGap == 0 {
		cfg.Graph.NodeGap = d.Graph.NodeGap
	}
	if cfg.Graph.Direction == "" {
		cfg.Graph.Direction = d.Graph.Direction
	}
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = d.UI.Theme
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNWATCH_WS_URL"); v != "" {
		cfg.Server.WSURL = v
	}
	if v := os.Getenv("RUNWATCH_API_URL"); v != "" {
		cfg.Server.APIURL = v
	}
	if v := os.Getenv("RUNWATCH_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("RUNWATCH_THEME"); v != "" {
		cfg.UI.Theme = v
	}
	if v := os.Getenv("RUNWATCH_RECONNECT_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Connection.ReconnectDelayMS = n
		}
	}
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://") {
		return fmt.Errorf("server.ws_url must start with ws:// or wss://, got %q", c.Server.WSURL)
	}
	if !strings.HasPrefix(c.Server.APIURL, "http://") && !strings.HasPrefix(c.Server.APIURL, "https://") {
		return fmt.Errorf("server.api_url must start with http:// or https://, got %q", c.Server.APIURL)
	}
	if c.Connection.ReconnectDelayMS < 0 || c.Connection.HeartbeatIntervalMS < 0 {
		return fmt.Errorf("connection delays must not be negative")
	}
	if c.Events.HistorySize < 0 {
		return fmt.Errorf("events.history_size must not be negative")
	}
	switch c.Graph.Direction {
	case graph.LeftToRight, graph.TopToBottom:
	default:
		return fmt.Errorf("graph.direction must be LR or TB, got %q", c.Graph.Direction)
	}
	switch c.UI.Theme {
	case "auto", "dark", "light":
	default:
		return fmt.Errorf("ui.theme must be auto, dark or light, got %q", c.UI.Theme)
	}
	for _, e := range c.Notify.Events {
		switch notify.EventType(e) {
		case notify.EventHumanNeeded, notify.EventRunComplete, notify.EventRunFailed, notify.EventServerError:
		default:
			return fmt.Errorf("notify.events: unknown event %q", e)
		}
	}
	if c.Notify.Webhook.Enabled && !strings.HasPrefix(c.Notify.Webhook.URL, "http") {
		return fmt.Errorf("notify.webhook.url must be an http(s) URL, got %q", c.Notify.Webhook.URL)
	}
	return nil
}

// CreateDefault writes the default config to DefaultPath and returns the path.
func CreateDefault() (string, error) {
	return CreateDefaultAt(DefaultPath())
}

// CreateDefaultAt writes the default config to path. It refuses to overwrite.
func CreateDefaultAt(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}
	return path, nil
}

// Print writes config to a writer in TOML format
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# runwatch configuration")
	fmt.Fprintln(w, "# Environment overrides: RUNWATCH_WS_URL, RUNWATCH_API_URL, RUNWATCH_TOKEN, RUNWATCH_THEME")
	fmt.Fprintln(w)
	return toml.NewEncoder(w).Encode(cfg)
}

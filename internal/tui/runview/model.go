// Package runview is the interactive view of one or more watched runs: the
// task graph, the selected task's detail and the run's event log.
package runview

import (
	"context"
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/theirongolddev/runwatch/internal/graph"
	"github.com/theirongolddev/runwatch/internal/realtime"
	"github.com/theirongolddev/runwatch/internal/runstate"
	"github.com/theirongolddev/runwatch/internal/task"
	"github.com/theirongolddev/runwatch/internal/tui/layout"
	"github.com/theirongolddev/runwatch/internal/tui/theme"
	"github.com/theirongolddev/runwatch/internal/wire"
)

const (
	// DefaultLogLimit is how many log lines the view keeps.
	DefaultLogLimit = 200

	// DefaultResolveTimeout bounds one resolution request.
	DefaultResolveTimeout = 15 * time.Second
)

// Store is the part of runstate.Store the view drives.
type Store interface {
	Snapshot(runID string) (runstate.View, bool)
	Previous(runID, taskID string) (task.Task, bool)
	Resolve(ctx context.Context, runID, taskID string, action task.Action, feedback string) (task.Task, error)
	Resync(ctx context.Context, runID string) error
}

// RunChangedMsg is sent when the store changed runID.
type RunChangedMsg struct{ RunID string }

// ConnStateMsg reports a realtime connection state change.
type ConnStateMsg struct{ State realtime.State }

// EnvelopeMsg carries an envelope for the event log.
type EnvelopeMsg struct{ Env wire.Envelope }

// ThemeMsg swaps the palette, e.g. after a config reload.
type ThemeMsg struct{ Theme theme.Theme }

type resolveDoneMsg struct {
	RunID  string
	TaskID string
	Action task.Action
	Err    error
}

type resyncDoneMsg struct {
	RunID string
	Err   error
}

type logLine struct {
	at    time.Time
	runID string
	level string
	text  string
}

// Option configures the Model.
type Option func(*Model)

// WithTheme sets the palette.
func WithTheme(t theme.Theme) Option {
	return func(m *Model) {
		m.theme = t
		m.styles = theme.NewStyles(t)
	}
}

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option {
	return func(m *Model) {
		if fn != nil {
			m.copy = fn
		}
	}
}

// WithLogLimit bounds the event log.
func WithLogLimit(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.logLimit = n
		}
	}
}

// WithResolveTimeout bounds each resolution request.
func WithResolveTimeout(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMarkdownStyle sets the glamour style for task descriptions.
func WithMarkdownStyle(style string) Option {
	return func(m *Model) { m.md = newMarkdown(style) }
}

// Model is the run view model
type Model struct {
	store   Store
	runs    []string
	current int
	view    runstate.View

	selected string
	focus    bool
	showDiff bool
	showHelp bool

	conn     realtime.State
	logs     []logLine
	logLimit int

	input  textinput.Model
	prompt task.Action // action awaiting text; empty when not typing
	busy   map[string]bool

	status    string
	statusErr bool

	width  int
	height int
	tier   layout.Tier

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	theme   theme.Theme
	styles  theme.Styles
	md      *markdown
	copy    func(string) error
	timeout time.Duration
}

// New creates a view over runs, showing the first.
func New(store Store, runs []string, opts ...Option) Model {
	t := theme.Current()
	in := textinput.New()
	in.CharLimit = 2000
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	m := Model{
		store:    store,
		runs:     append([]string(nil), runs...),
		logLimit: DefaultLogLimit,
		input:    in,
		busy:     make(map[string]bool),
		width:    100,
		height:   30,
		tier:     layout.TierForWidth(100),
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		theme:    t,
		styles:   theme.NewStyles(t),
		copy:     clipboard.WriteAll,
		timeout:  DefaultResolveTimeout,
	}
	for _, opt := range opts {
		opt(&m)
	}
	if m.md == nil {
		m.md = newMarkdown(markdownStyleFor(m.theme))
	}
	m.reload()
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// RunID returns the run on screen.
func (m Model) RunID() string {
	if len(m.runs) == 0 {
		return ""
	}
	return m.runs[m.current]
}

// Selected returns the selected task id.
func (m Model) Selected() string { return m.selected }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tier = layout.TierForWidth(msg.Width)
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case RunChangedMsg:
		if msg.RunID == m.RunID() {
			m.reload()
		}
		return m, nil

	case ConnStateMsg:
		m.conn = msg.State
		return m, nil

	case EnvelopeMsg:
		m.appendLog(msg.Env)
		return m, nil

	case ThemeMsg:
		m.theme = msg.Theme
		m.styles = theme.NewStyles(msg.Theme)
		m.md = newMarkdown(markdownStyleFor(msg.Theme))
		return m, nil

	case resolveDoneMsg:
		delete(m.busy, msg.RunID+"/"+msg.TaskID)
		if msg.Err != nil {
			m.setStatus(fmt.Sprintf("%s %s failed: %v", msg.Action, msg.TaskID, msg.Err), true)
		} else {
			m.setStatus(fmt.Sprintf("%s %s submitted", msg.Action, msg.TaskID), false)
		}
		if msg.RunID == m.RunID() {
			m.reload()
		}
		return m, nil

	case resyncDoneMsg:
		if msg.Err != nil {
			m.setStatus(fmt.Sprintf("resync %s failed: %v", msg.RunID, msg.Err), true)
		} else {
			m.setStatus(fmt.Sprintf("resynced %s", msg.RunID), false)
		}
		return m, nil

	case tea.KeyMsg:
		if m.prompt != "" {
			return m.updatePrompt(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.prompt = ""
		m.input.Blur()
		m.input.Reset()
		m.setStatus("cancelled", false)
		return m, nil
	case tea.KeyEnter:
		action, text := m.prompt, m.input.Value()
		m.prompt = ""
		m.input.Blur()
		m.input.Reset()
		if action == task.ActionProvideInput && text == "" {
			m.setStatus("input is required", true)
			return m, nil
		}
		return m, m.submit(action, text)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	pressed := func(b key.Binding) bool { return key.Matches(msg, b) }

	if action, ok := m.keys.action(pressed); ok {
		if err := m.canResolve(); err != nil {
			m.setStatus(err.Error(), true)
			return m, nil
		}
		if needsText(action) {
			m.prompt = action
			m.input.Placeholder = placeholder(action)
			return m, m.input.Focus()
		}
		return m, m.submit(action, "")
	}

	switch {
	case pressed(m.keys.Quit):
		return m, tea.Quit
	case pressed(m.keys.Up):
		m.moveWithinRank(-1)
	case pressed(m.keys.Down):
		m.moveWithinRank(1)
	case pressed(m.keys.Left):
		m.moveAcrossRanks(-1)
	case pressed(m.keys.Right):
		m.moveAcrossRanks(1)
	case pressed(m.keys.NextRun):
		m.switchRun(1)
	case pressed(m.keys.PrevRun):
		m.switchRun(-1)
	case pressed(m.keys.Focus):
		m.focus = !m.focus
	case pressed(m.keys.Diff):
		m.showDiff = !m.showDiff
	case pressed(m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
	case pressed(m.keys.Yank):
		if m.selected == "" {
			return m, nil
		}
		if err := m.copy(m.selected); err != nil {
			m.setStatus("copy failed: "+err.Error(), true)
		} else {
			m.setStatus("copied "+m.selected, false)
		}
	case pressed(m.keys.Resync):
		return m, m.resync()
	}
	return m, nil
}

// canResolve checks the selection can take a human resolution.
func (m Model) canResolve() error {
	t, ok := m.view.Task(m.selected)
	if !ok {
		return fmt.Errorf("no task selected")
	}
	if m.busy[m.RunID()+"/"+t.ID] || t.Status.IsPending() {
		return fmt.Errorf("%s already has a resolution in flight", t.ID)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%s is %s", t.ID, t.Status)
	}
	return nil
}

func (m *Model) submit(action task.Action, feedback string) tea.Cmd {
	runID, taskID := m.RunID(), m.selected
	m.busy[runID+"/"+taskID] = true
	m.setStatus(fmt.Sprintf("%s %s…", action, taskID), false)

	store, timeout := m.store, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := store.Resolve(ctx, runID, taskID, action, feedback)
		return resolveDoneMsg{RunID: runID, TaskID: taskID, Action: action, Err: err}
	}
}

func (m *Model) resync() tea.Cmd {
	runID := m.RunID()
	if runID == "" {
		return nil
	}
	m.setStatus("resyncing "+runID+"…", false)
	store, timeout := m.store, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return resyncDoneMsg{RunID: runID, Err: store.Resync(ctx, runID)}
	}
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

// reload takes a fresh snapshot and keeps the selection when it survives.
func (m *Model) reload() {
	v, ok := m.store.Snapshot(m.RunID())
	if !ok {
		v = runstate.View{RunID: m.RunID(), Layout: graph.Compute(nil, graph.DefaultOptions())}
	}
	m.view = v
	if m.selected != "" && v.Layout.Has(m.selected) {
		return
	}
	m.selected = ""
	if len(v.Layout.Ranks) > 0 && len(v.Layout.Ranks[0]) > 0 {
		m.selected = v.Layout.Ranks[0][0]
	}
}

func (m *Model) switchRun(delta int) {
	if len(m.runs) < 2 {
		return
	}
	m.current = (m.current + delta + len(m.runs)) % len(m.runs)
	m.selected = ""
	m.reload()
}

func (m *Model) moveWithinRank(delta int) {
	n, ok := m.view.Layout.Node(m.selected)
	if !ok {
		return
	}
	ids := m.view.Layout.Ranks[n.Rank]
	if i := n.Order + delta; i >= 0 && i < len(ids) {
		m.selected = ids[i]
	}
}

// moveAcrossRanks jumps to the neighbouring rank, keeping the row as close as
// that rank allows.
func (m *Model) moveAcrossRanks(delta int) {
	n, ok := m.view.Layout.Node(m.selected)
	if !ok {
		return
	}
	r := n.Rank + delta
	if r < 0 || r >= len(m.view.Layout.Ranks) {
		return
	}
	ids := m.view.Layout.Ranks[r]
	if len(ids) == 0 {
		return
	}
	i := n.Order
	if i >= len(ids) {
		i = len(ids) - 1
	}
	m.selected = ids[i]
}

// hovered is the id highlighting centres on: the selection in focus mode,
// nothing otherwise.
func (m Model) hovered() string {
	if !m.focus {
		return ""
	}
	return m.selected
}

func (m *Model) appendLog(env wire.Envelope) {
	line := logLine{at: env.Timestamp, runID: env.RunID}
	switch p := env.Payload.(type) {
	case wire.LogMessage:
		line.level = p.Level
		line.text = p.Message
		if p.TaskID != "" {
			line.text = "[" + p.TaskID + "] " + line.text
		}
	case wire.HumanNeeded:
		line.level = "human"
		line.text = fmt.Sprintf("%s needs a human: %s", p.TaskID, p.Reason)
	case wire.ErrorPayload:
		line.level = "error"
		line.text = p.Message
	case wire.RunComplete:
		line.level = "info"
		line.text = fmt.Sprintf("run %s: %s", p.Status, p.Summary)
	default:
		return
	}
	m.logs = append(m.logs, line)
	if over := len(m.logs) - m.logLimit; over > 0 {
		m.logs = append(m.logs[:0:0], m.logs[over:]...)
	}
}

func placeholder(a task.Action) string {
	switch a {
	case task.ActionReject:
		return "reason (optional)"
	case task.ActionModify:
		return "what should change"
	default:
		return "input for the task"
	}
}

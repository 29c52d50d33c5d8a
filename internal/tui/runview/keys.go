package runview

import (
	"github.com/charmbracelet/bubbles/key"

	"github.com/theirongolddev/runwatch/internal/task"
)

// KeyMap defines run view keybindings
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Left     key.Binding
	Right    key.Binding
	NextRun  key.Binding
	PrevRun  key.Binding
	Focus    key.Binding
	Diff     key.Binding
	Yank     key.Binding
	Resync   key.Binding
	Approve  key.Binding
	Reject   key.Binding
	Modify   key.Binding
	Retry    key.Binding
	Escalate key.Binding
	Input    key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Left:     key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "prev rank")),
		Right:    key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "next rank")),
		NextRun:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next run")),
		PrevRun:  key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev run")),
		Focus:    key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "focus deps")),
		Diff:     key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "diff")),
		Yank:     key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "copy id")),
		Resync:   key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "resync")),
		Approve:  key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "approve")),
		Reject:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "reject")),
		Modify:   key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "modify")),
		Retry:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
		Escalate: key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "escalate")),
		Input:    key.NewBinding(key.WithKeys("i"), key.WithHelp("i", "provide input")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Reject, k.Modify, k.Retry, k.Focus, k.NextRun, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Left, k.Right},
		{k.Approve, k.Reject, k.Modify, k.Retry, k.Escalate, k.Input},
		{k.Focus, k.Diff, k.Yank, k.Resync},
		{k.NextRun, k.PrevRun, k.Help, k.Quit},
	}
}

// action returns the resolution bound to msg's key, if any.
func (k KeyMap) action(pressed func(key.Binding) bool) (task.Action, bool) {
	switch {
	case pressed(k.Approve):
		return task.ActionApprove, true
	case pressed(k.Reject):
		return task.ActionReject, true
	case pressed(k.Modify):
		return task.ActionModify, true
	case pressed(k.Retry):
		return task.ActionRetry, true
	case pressed(k.Escalate):
		return task.ActionEscalate, true
	case pressed(k.Input):
		return task.ActionProvideInput, true
	}
	return "", false
}

// needsText reports whether an action is submitted with operator text.
func needsText(a task.Action) bool {
	switch a {
	case task.ActionReject, task.ActionModify, task.ActionProvideInput:
		return true
	}
	return false
}

// Package theme holds the TUI color palettes and the status color mapping.
package theme

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/theirongolddev/runwatch/internal/task"
)

// Theme defines a complete color palette for the TUI
type Theme struct {
	Base     lipgloss.Color // Background
	Surface0 lipgloss.Color // Surface
	Surface1 lipgloss.Color // Surface highlight
	Surface2 lipgloss.Color // Borders

	Text    lipgloss.Color // Primary text
	Subtext lipgloss.Color // Secondary text
	Overlay lipgloss.Color // Dimmed text

	Primary lipgloss.Color
	Accent  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color
	Pending lipgloss.Color
}

// Mocha is the default dark palette.
var Mocha = Theme{
	Base:     lipgloss.Color("#1e1e2e"),
	Surface0: lipgloss.Color("#313244"),
	Surface1: lipgloss.Color("#45475a"),
	Surface2: lipgloss.Color("#585b70"),
	Text:     lipgloss.Color("#cdd6f4"),
	Subtext:  lipgloss.Color("#a6adc8"),
	Overlay:  lipgloss.Color("#6c7086"),
	Primary:  lipgloss.Color("#89b4fa"),
	Accent:   lipgloss.Color("#cba6f7"),
	Success:  lipgloss.Color("#a6e3a1"),
	Warning:  lipgloss.Color("#f9e2af"),
	Error:    lipgloss.Color("#f38ba8"),
	Info:     lipgloss.Color("#89dceb"),
	Pending:  lipgloss.Color("#fab387"),
}

// Latte is the light palette for light terminals.
var Latte = Theme{
	Base:     lipgloss.Color("#eff1f5"),
	Surface0: lipgloss.Color("#ccd0da"),
	Surface1: lipgloss.Color("#bcc0cc"),
	Surface2: lipgloss.Color("#acb0be"),
	Text:     lipgloss.Color("#4c4f69"),
	Subtext:  lipgloss.Color("#6c6f85"),
	Overlay:  lipgloss.Color("#7c7f93"),
	Primary:  lipgloss.Color("#1e66f5"),
	Accent:   lipgloss.Color("#8839ef"),
	Success:  lipgloss.Color("#40a02b"),
	Warning:  lipgloss.Color("#df8e1d"),
	Error:    lipgloss.Color("#d20f39"),
	Info:     lipgloss.Color("#04a5e5"),
	Pending:  lipgloss.Color("#fe640b"),
}

// Plain uses the terminal's default colors throughout.
var Plain = Theme{}

// NoColorEnabled returns true if color output should be disabled.
// RUNWATCH_NO_COLOR=0 forces colors on; otherwise NO_COLOR (any value)
// disables them.
func NoColorEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RUNWATCH_NO_COLOR"))) {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	}
	_, set := os.LookupEnv("NO_COLOR")
	return set
}

// FromName returns a theme by name: auto, dark, light, plain (or the palette
// names mocha and latte).
func FromName(name string) Theme {
	if NoColorEnabled() {
		return Plain
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "plain", "none", "no-color":
		return Plain
	case "dark", "mocha":
		return Mocha
	case "light", "latte":
		return Latte
	default:
		return autoTheme()
	}
}

// Current returns the theme named by RUNWATCH_THEME, auto-detected if unset.
func Current() Theme {
	return FromName(os.Getenv("RUNWATCH_THEME"))
}

// detectDarkBackground is a variable for testability.
var detectDarkBackground = func() bool {
	return termenv.NewOutput(os.Stdout).HasDarkBackground()
}

var (
	cachedAutoTheme Theme
	autoThemeOnce   sync.Once
)

func resetAutoTheme() {
	autoThemeOnce = sync.Once{}
	cachedAutoTheme = Theme{}
}

func autoTheme() Theme {
	autoThemeOnce.Do(func() {
		cachedAutoTheme = Mocha
		defer func() {
			if recover() != nil {
				cachedAutoTheme = Mocha
			}
		}()
		if !detectDarkBackground() {
			cachedAutoTheme = Latte
		}
	})
	return cachedAutoTheme
}

// StatusColor maps a task status to a palette color.
func (t Theme) StatusColor(s task.Status) lipgloss.Color {
	if s.IsPending() {
		return t.Pending
	}
	switch s {
	case task.StatusComplete:
		return t.Success
	case task.StatusActive:
		return t.Primary
	case task.StatusAwaitingQA:
		return t.Info
	case task.StatusWaitingHuman:
		return t.Warning
	case task.StatusFailedQA, task.StatusAbandoned:
		return t.Error
	case task.StatusBlocked:
		return t.Accent
	default:
		return t.Subtext
	}
}

// Styles contains pre-built lipgloss styles for the theme
type Styles struct {
	Header    lipgloss.Style
	Title     lipgloss.Style
	Normal    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Box       lipgloss.Style
	Selected  lipgloss.Style
	Help      lipgloss.Style
	StatusBar lipgloss.Style
}

// NewStyles creates a Styles instance from a theme
func NewStyles(t Theme) Styles {
	s := Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(t.Primary).
			Padding(0, 1),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Text),
		Normal:    lipgloss.NewStyle().Foreground(t.Text),
		Dim:       lipgloss.NewStyle().Foreground(t.Overlay).Faint(true),
		Highlight: lipgloss.NewStyle().Bold(true).Foreground(t.Accent),
		Success:   lipgloss.NewStyle().Bold(true).Foreground(t.Success),
		Warning:   lipgloss.NewStyle().Bold(true).Foreground(t.Warning),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(t.Error),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Surface2).
			Padding(0, 1),
		Selected: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(t.Primary).
			Padding(0, 1),
		Help: lipgloss.NewStyle().Foreground(t.Overlay),
		StatusBar: lipgloss.NewStyle().
			Foreground(t.Subtext).
			Background(t.Surface0).
			Padding(0, 1),
	}

	// Without color, selection and warnings must not rely on hue alone.
	if t == Plain {
		s.Selected = s.Selected.Reverse(true)
		s.Warning = s.Warning.Underline(true)
		s.Error = s.Error.Underline(true)
	}
	return s
}

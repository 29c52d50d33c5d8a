package runview

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"

	"github.com/theirongolddev/runwatch/internal/tui/theme"
)

// markdown renders task descriptions, rebuilding the glamour renderer only
// when the wrap width changes.
type markdown struct {
	style    string
	width    int
	renderer *glamour.TermRenderer
}

func newMarkdown(style string) *markdown {
	return &markdown{style: style}
}

func markdownStyleFor(t theme.Theme) string {
	switch t {
	case theme.Plain:
		return "notty"
	case theme.Latte:
		return "light"
	default:
		return "dark"
	}
}

// Render returns src rendered for width cells. Falls back to plain word
// wrapping when glamour fails.
func (md *markdown) Render(src string, width int) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	if width < 10 {
		width = 10
	}
	if md.renderer == nil || md.width != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(md.style),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return wordwrap.String(src, width)
		}
		md.renderer, md.width = r, width
	}
	out, err := md.renderer.Render(src)
	if err != nil {
		return wordwrap.String(src, width)
	}
	return strings.Trim(out, "\n")
}

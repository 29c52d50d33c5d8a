package runview

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/theirongolddev/runwatch/internal/graph"
	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/realtime"
	"github.com/theirongolddev/runwatch/internal/tui/layout"
)

const (
	rankGap     = 2
	minNodeCell = 14
	maxNodeCell = 28
)

// View implements tea.Model.
func (m Model) View() string {
	header := m.renderHeader()
	footer := m.renderFooter()
	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	var body string
	switch m.tier {
	case layout.TierWide:
		logW := m.width / 5
		graphW, detailW := layout.SplitProportions(m.width - logW - 2)
		body = lipgloss.JoinHorizontal(lipgloss.Top,
			m.renderGraph(graphW, bodyHeight),
			"  ",
			m.renderDetail(detailW, bodyHeight),
			"  ",
			m.renderLog(logW, bodyHeight),
		)
	case layout.TierSplit:
		graphW, detailW := layout.SplitProportions(m.width)
		body = lipgloss.JoinHorizontal(lipgloss.Top,
			m.renderGraph(graphW, bodyHeight),
			"  ",
			m.renderDetail(detailW, bodyHeight),
		)
	default:
		graphH := bodyHeight * 3 / 5
		body = lipgloss.JoinVertical(lipgloss.Left,
			m.renderGraph(m.width, graphH),
			m.renderDetail(m.width, bodyHeight-graphH),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Model) renderHeader() string {
	var conn string
	switch m.conn {
	case realtime.StateOpen:
		conn = m.styles.Success.Render("● live")
	case realtime.StateConnecting:
		conn = m.styles.Warning.Render(m.spinner.View() + " connecting")
	default:
		conn = m.styles.Error.Render("○ offline")
	}

	title := "runwatch"
	if id := m.RunID(); id != "" {
		title += " · " + id
		if len(m.runs) > 1 {
			title += fmt.Sprintf(" (%d/%d)", m.current+1, len(m.runs))
		}
	}
	status := string(m.view.Status)
	if m.view.Complete {
		status = "finished: " + status
	}
	left := m.styles.Header.Render(title)
	if status != "" {
		left += " " + m.styles.Dim.Render(status)
	}
	if m.focus {
		left += " " + m.styles.Highlight.Render("[focus]")
	}
	gap := m.width - lipgloss.Width(left) - lipgloss.Width(conn)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + conn
}

func (m Model) renderFooter() string {
	var lines []string
	if m.prompt != "" {
		lines = append(lines, m.styles.Title.Render(string(m.prompt)+": ")+m.input.View())
	}
	if m.status != "" {
		st := m.styles.StatusBar
		if m.statusErr {
			st = m.styles.Error
		}
		lines = append(lines, st.Render(layout.Truncate(m.status, m.width)))
	}
	lines = append(lines, m.help.View(m.keys))
	return strings.Join(lines, "\n")
}

// renderGraph draws one column (or row, top to bottom) of task boxes per rank.
func (m Model) renderGraph(width, height int) string {
	l := m.view.Layout
	if len(l.Nodes) == 0 {
		return lipgloss.NewStyle().Width(width).Height(height).
			Render(m.styles.Dim.Render("no tasks"))
	}

	hl := graph.ComputeHighlight(l, m.hovered())
	critical := make(map[string]bool, len(l.CriticalPath))
	for _, id := range l.CriticalPath {
		critical[id] = true
	}

	var groups []string
	if l.Options.Direction == graph.TopToBottom {
		cell := layout.ColumnWidth(width, maxRankLen(l.Ranks), rankGap, minNodeCell, maxNodeCell)
		for _, rank := range l.Ranks {
			var boxes []string
			for _, id := range rank {
				boxes = append(boxes, m.renderNode(l, hl, critical, id, cell), strings.Repeat(" ", rankGap))
			}
			groups = append(groups, lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
		}
		out := lipgloss.JoinVertical(lipgloss.Left, groups...)
		return clip(out, width, height)
	}

	cell := layout.ColumnWidth(width, len(l.Ranks), rankGap, minNodeCell, maxNodeCell)
	for i, rank := range l.Ranks {
		var boxes []string
		for _, id := range rank {
			boxes = append(boxes, m.renderNode(l, hl, critical, id, cell))
		}
		groups = append(groups, lipgloss.JoinVertical(lipgloss.Left, boxes...))
		if i < len(l.Ranks)-1 {
			groups = append(groups, strings.Repeat(" ", rankGap))
		}
	}
	return clip(lipgloss.JoinHorizontal(lipgloss.Top, groups...), width, height)
}

func (m Model) renderNode(l graph.Layout, hl graph.Highlight, critical map[string]bool, id string, cell int) string {
	n, _ := l.Node(id)
	inner := cell - 4
	if inner < 4 {
		inner = 4
	}

	mark := " "
	if critical[id] {
		mark = "*"
	}
	title := layout.Pad(mark+n.Task.DisplayName(), inner)
	status := layout.Pad(string(n.Task.Status), inner)

	color := m.theme.StatusColor(n.Task.Status)
	box := m.styles.Box.BorderForeground(color)
	if id == m.selected {
		box = m.styles.Selected.BorderForeground(color)
	}
	text := m.styles.Normal
	switch {
	case hl.NodeDimmed(id):
		box = box.BorderForeground(m.theme.Surface1).Faint(true)
		text = m.styles.Dim
	case hl.NodeHighlighted(id):
		text = m.styles.Highlight
	}
	body := text.Render(title) + "\n" + lipgloss.NewStyle().Foreground(color).Render(status)
	return box.Render(body)
}

func (m Model) renderDetail(width, height int) string {
	if width <= 0 {
		return ""
	}
	t, ok := m.view.Task(m.selected)
	if !ok {
		return clip(m.styles.Dim.Render("select a task"), width, height)
	}

	var b strings.Builder
	b.WriteString(m.styles.Title.Render(layout.Truncate(t.DisplayName(), width)))
	b.WriteString("\n")
	field := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(m.styles.Dim.Render(fmt.Sprintf("%-10s", name)))
		b.WriteString(layout.Truncate(value, width-10))
		b.WriteString("\n")
	}
	field("id", t.ID)
	field("status", string(t.Status))
	field("phase", string(t.Phase))
	if t.Priority != 0 {
		field("priority", fmt.Sprint(t.Priority))
	}
	field("agent", t.AssignedAgent)
	if t.RetryCount > 0 {
		field("retries", fmt.Sprint(t.RetryCount))
	}
	field("needs", strings.Join(t.DependsOn, ", "))
	field("blocks", strings.Join(dependents(m.view.Layout, t.ID), ", "))
	if deps, ok := m.view.Layout.Dangling[t.ID]; ok {
		field("missing", strings.Join(deps, ", "))
	}

	if req, ok := m.view.Human[t.ID]; ok {
		b.WriteString("\n")
		b.WriteString(m.styles.Warning.Render("needs a human"))
		b.WriteString("\n")
		b.WriteString(wordwrap.String(req.Reason, width))
		b.WriteString("\n")
		if req.Question != "" {
			b.WriteString(wordwrap.String(req.Question, width))
			b.WriteString("\n")
		}
		for i, opt := range req.Options {
			b.WriteString(layout.Truncate(fmt.Sprintf("  %d. %s", i+1, opt), width))
			b.WriteString("\n")
		}
	}

	if m.showDiff {
		b.WriteString("\n")
		if prev, ok := m.store.Previous(m.RunID(), t.ID); ok {
			d := output.ComputeTaskDiff(prev, t)
			b.WriteString(m.styles.Title.Render(fmt.Sprintf("changes (%.0f%% similar)", d.Similarity*100)))
			b.WriteString("\n")
			b.WriteString(m.renderDiff(d, width))
		} else {
			b.WriteString(m.styles.Dim.Render("no earlier version"))
			b.WriteString("\n")
		}
	} else if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(m.md.Render(t.Description, width))
	}
	return clip(b.String(), width, height)
}

func (m Model) renderDiff(d *output.DiffResult, width int) string {
	var lines []string
	for _, l := range d.Lines {
		text := layout.Truncate(string(l.Op)+" "+l.Text, width)
		switch l.Op {
		case '+':
			text = m.styles.Success.Render(text)
		case '-':
			text = m.styles.Error.Render(text)
		default:
			text = m.styles.Dim.Render(text)
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderLog(width, height int) string {
	if width <= 0 {
		return ""
	}
	var lines []string
	for _, l := range m.logs {
		if l.runID != "" && l.runID != m.RunID() {
			continue
		}
		prefix := l.at.Local().Format("15:04:05") + " "
		style := m.styles.Normal
		switch l.level {
		case "error":
			style = m.styles.Error
		case "warning", "warn", "human":
			style = m.styles.Warning
		case "debug":
			style = m.styles.Dim
		}
		wrapped := wordwrap.String(prefix+l.text, width)
		for _, w := range strings.Split(wrapped, "\n") {
			lines = append(lines, style.Render(layout.Truncate(w, width)))
		}
	}
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	return lipgloss.NewStyle().Width(width).Height(height).Render(strings.Join(lines, "\n"))
}

// dependents are the tasks that list id as a dependency.
func dependents(l graph.Layout, id string) []string {
	var out []string
	for _, e := range l.Edges {
		if e.Source == id && e.Target != id {
			out = append(out, e.Target)
		}
	}
	return out
}

func maxRankLen(ranks [][]string) int {
	n := 0
	for _, r := range ranks {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

// clip bounds s to height lines and pads it to width.
func clip(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if height > 0 && len(lines) > height {
		lines = lines[:height]
	}
	return lipgloss.NewStyle().Width(width).MaxWidth(width).Height(height).Render(strings.Join(lines, "\n"))
}

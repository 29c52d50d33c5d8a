// Package layout sizes the run view panes and fits text into terminal cells.
package layout

import (
	"github.com/mattn/go-runewidth"
)

// Width thresholds for the run view.
const (
	// SplitViewThreshold switches from a stacked graph/detail layout to side by side.
	SplitViewThreshold = 120
	// WideViewThreshold adds the event log as a third column.
	WideViewThreshold = 200
)

// Tier describes the current width bucket.
type Tier int

const (
	TierNarrow Tier = iota
	TierSplit
	TierWide
)

// TierForWidth maps a terminal width to a tier.
func TierForWidth(width int) Tier {
	switch {
	case width >= WideViewThreshold:
		return TierWide
	case width >= SplitViewThreshold:
		return TierSplit
	default:
		return TierNarrow
	}
}

// Truncate fits s into max terminal cells, ending in "…" when cut. Wide
// glyphs are never split.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	return runewidth.Truncate(s, max, "…")
}

// Pad fits s into exactly width cells.
func Pad(s string, width int) string {
	return runewidth.FillRight(Truncate(s, width), width)
}

// SplitProportions returns graph/detail widths for the split view. Below the
// split threshold the graph takes the full width.
func SplitProportions(total int) (graph, detail int) {
	if total < SplitViewThreshold {
		return total, 0
	}
	avail := total - 4
	graph = avail * 3 / 5
	return graph, avail - graph
}

// ColumnWidth is the cell width of one rank column when ranks columns share
// width, bounded to [min, max].
func ColumnWidth(width, ranks, gap, min, max int) int {
	if ranks <= 0 {
		return max
	}
	w := (width - gap*(ranks-1)) / ranks
	if w < min {
		return min
	}
	if w > max {
		return max
	}
	return w
}

package output

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/theirongolddev/runwatch/internal/task"
)

// DiffLine is one line of a line-oriented diff. Op is '+', '-' or ' '.
type DiffLine struct {
	Op   byte   `json:"op"`
	Text string `json:"text"`
}

// DiffResult holds the comparison of two task revisions.
type DiffResult struct {
	TaskID     string     `json:"task_id"`
	Lines      []DiffLine `json:"lines"`
	Changed    int        `json:"changed"`
	Similarity float64    `json:"similarity"`
}

// TaskText renders the fields of t an operator cares about, one per line, in
// a stable order so revisions diff cleanly.
func TaskText(t task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status: %s\n", t.Status)
	fmt.Fprintf(&sb, "phase: %s\n", t.Phase)
	if t.Title != "" {
		fmt.Fprintf(&sb, "title: %s\n", t.Title)
	}
	fmt.Fprintf(&sb, "priority: %d\n", t.Priority)
	fmt.Fprintf(&sb, "depends_on: [%s]\n", strings.Join(t.DependsOn, ", "))
	fmt.Fprintf(&sb, "needs_human: %t\n", t.NeedsHuman)
	fmt.Fprintf(&sb, "retry_count: %d\n", t.RetryCount)
	if t.AssignedAgent != "" {
		fmt.Fprintf(&sb, "assigned_agent: %s\n", t.AssignedAgent)
	}
	if t.Description != "" {
		sb.WriteString("description:\n")
		for _, line := range strings.Split(strings.TrimRight(t.Description, "\n"), "\n") {
			sb.WriteString("  " + line + "\n")
		}
	}
	return sb.String()
}

// ComputeTaskDiff compares two revisions of a task line by line.
func ComputeTaskDiff(prev, cur task.Task) *DiffResult {
	a, b := TaskText(prev), TaskText(cur)

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	res := &DiffResult{TaskID: cur.ID}
	for _, d := range diffs {
		var op byte
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = '+'
		case diffmatchpatch.DiffDelete:
			op = '-'
		default:
			op = ' '
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			res.Lines = append(res.Lines, DiffLine{Op: op, Text: strings.TrimSuffix(line, "\n")})
			if op != ' ' {
				res.Changed++
			}
		}
	}

	// Similarity over characters, 1.0 for identical revisions.
	charDiffs := dmp.DiffMain(a, b, false)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	res.Similarity = 1
	if maxLen > 0 {
		res.Similarity = 1 - float64(dmp.DiffLevenshtein(charDiffs))/float64(maxLen)
	}
	return res
}

// Unified renders the diff with +/- prefixes, omitting unchanged lines when
// changesOnly is set.
func (r *DiffResult) Unified(changesOnly bool) string {
	var sb strings.Builder
	for _, l := range r.Lines {
		if changesOnly && l.Op == ' ' {
			continue
		}
		sb.WriteByte(l.Op)
		sb.WriteByte(' ')
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

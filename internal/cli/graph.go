package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/graph"
	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/task"
)

// graphResult is the machine-readable form of `runwatch graph`.
type graphResult struct {
	RunID     string           `json:"run_id" yaml:"run_id"`
	Layout    graph.Layout     `json:"layout" yaml:"layout"`
	Anomalies []graph.Anomaly  `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Highlight *graph.Highlight `json:"highlight,omitempty" yaml:"highlight,omitempty"`
}

func newGraphCmd() *cobra.Command {
	var (
		hover     string
		format    string
		direction string
	)

	cmd := &cobra.Command{
		Use:   "graph <run-id>",
		Short: "Print the dependency layout of a run",
		Long: `Fetch a run's tasks and print their dependency layout: ranks, positions,
edges, the critical path and any cycles or missing dependencies.

--hover highlights one task's immediate dependencies and dependents and
marks everything else as dimmed.

Examples:
  runwatch graph run-42
  runwatch graph run-42 --hover build --format yaml
  runwatch graph run-42 --direction TB --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(cmd)
			if format != "" {
				parsed, err := output.ParseFormat(format)
				if err != nil {
					return output.NewCLIError(err.Error()).WithCode("INVALID_FLAG")
				}
				f = output.New(output.WithWriter(cmd.OutOrStdout()), output.WithFormat(parsed))
			}

			opts := currentConfig().Graph
			if direction != "" {
				opts.Direction = graph.Direction(strings.ToUpper(direction))
				if opts.Direction != graph.LeftToRight && opts.Direction != graph.TopToBottom {
					return output.NewCLIError(fmt.Sprintf("invalid direction %q", direction)).
						WithHint("Use LR or TB").WithCode("INVALID_FLAG")
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), currentConfig().Connection.RequestTimeout())
			defer cancel()
			tasks, err := newAPIClient().ListTasks(ctx, args[0])
			if err != nil {
				return output.FromError("failed to fetch tasks", err)
			}

			res := buildGraphResult(args[0], tasks, opts, hover)
			if hover != "" && res.Highlight == nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: task %q is not in run %s; nothing highlighted\n", hover, args[0])
			}
			return f.Output(res, func(w io.Writer) error {
				return renderGraphText(w, res)
			})
		},
	}

	cmd.Flags().StringVar(&hover, "hover", "", "highlight this task's immediate neighbourhood")
	cmd.Flags().StringVar(&format, "format", "", "output format: text, json or yaml")
	cmd.Flags().StringVar(&direction, "direction", "", "layout direction: LR or TB (default from config)")
	return cmd
}

func buildGraphResult(runID string, tasks []task.Task, opts graph.Options, hover string) graphResult {
	layout := graph.Compute(tasks, opts)
	res := graphResult{RunID: runID, Layout: layout, Anomalies: layout.Anomalies()}
	if hl := graph.ComputeHighlight(layout, hover); hl.Active() {
		res.Highlight = &hl
	}
	return res
}

func renderGraphText(w io.Writer, res graphResult) error {
	l := res.Layout
	if len(l.Nodes) == 0 {
		fmt.Fprintf(w, "Run %s has no tasks.\n", res.RunID)
		return nil
	}

	critical := make(map[string]bool, len(l.CriticalPath))
	for _, id := range l.CriticalPath {
		critical[id] = true
	}

	// dependencies as laid out: deduplicated, dangling ids left to the warnings
	deps := make(map[string][]string, len(l.Nodes))
	for _, e := range l.Edges {
		deps[e.Target] = append(deps[e.Target], e.Source)
	}

	fmt.Fprintf(w, "Run %s: %s in %s\n\n", res.RunID,
		output.CountStr(len(l.Nodes), "task", "tasks"),
		output.CountStr(len(l.Ranks), "rank", "ranks"))

	t := output.NewTable(w, "RANK", "", "TASK", "STATUS", "DEPENDS ON", "POS")
	for rank, ids := range l.Ranks {
		for _, id := range ids {
			n, _ := l.Node(id)
			t.AddRow(
				fmt.Sprint(rank),
				marker(res.Highlight, critical, id),
				output.Truncate(n.Task.DisplayName(), 40),
				string(n.Task.Status),
				strings.Join(deps[id], ", "),
				fmt.Sprintf("%d,%d", n.X, n.Y),
			)
		}
	}
	t.Render()

	if len(l.CriticalPath) > 0 {
		fmt.Fprintf(w, "\nCritical path: %s\n", strings.Join(l.CriticalPath, " -> "))
	}
	if res.Highlight != nil {
		fmt.Fprintf(w, "Highlighted: %s (%s)\n",
			strings.Join(res.Highlight.Nodes, ", "),
			output.CountStr(len(res.Highlight.Edges), "edge", "edges"))
	}
	for _, a := range res.Anomalies {
		fmt.Fprintf(w, "warning: %s: %s\n", a.Type, a.Message)
	}
	return nil
}

// marker flags a row: > hovered, + highlighted, . dimmed, * critical path.
func marker(hl *graph.Highlight, critical map[string]bool, id string) string {
	var m string
	switch {
	case hl == nil:
	case hl.Hovered == id:
		m = ">"
	case hl.NodeHighlighted(id):
		m = "+"
	case hl.NodeDimmed(id):
		m = "."
	}
	if critical[id] {
		m += "*"
	}
	return m
}

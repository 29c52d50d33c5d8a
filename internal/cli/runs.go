package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/task"
)

func newRunsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List runs, or show one run and its tasks",
		Example: `  runwatch runs
  runwatch runs --status running
  runwatch runs run-42 --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), currentConfig().Connection.RequestTimeout())
			defer cancel()
			client := newAPIClient()
			f := formatter(cmd)

			if len(args) == 1 {
				run, err := client.GetRun(ctx, args[0])
				if err != nil {
					return output.FromError("failed to fetch run", err)
				}
				return f.Output(run, func(w io.Writer) error {
					renderRun(w, run)
					return nil
				})
			}

			runs, err := client.ListRuns(ctx)
			if err != nil {
				return output.FromError("failed to list runs", err)
			}
			runs = filterRuns(runs, status)
			return f.Output(runs, func(w io.Writer) error {
				renderRuns(w, runs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	return cmd
}

func filterRuns(runs []task.Run, status string) []task.Run {
	if status == "" {
		return runs
	}
	out := runs[:0:0]
	for _, r := range runs {
		if strings.EqualFold(string(r.Status), status) {
			out = append(out, r)
		}
	}
	return out
}

func renderRuns(w io.Writer, runs []task.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	t := output.NewTable(w, "ID", "NAME", "STATUS", "TASKS", "CREATED")
	for _, r := range runs {
		t.AddRow(r.ID, output.Truncate(r.Name, 40), string(r.Status), fmt.Sprint(r.TaskCount), output.FormatTime(r.CreatedAt))
	}
	t.Render()
}

func renderRun(w io.Writer, r *task.Run) {
	fmt.Fprintf(w, "Run %s", r.ID)
	if r.Name != "" {
		fmt.Fprintf(w, " (%s)", r.Name)
	}
	fmt.Fprintf(w, ": %s, %s\n", r.Status, output.CountStr(r.TaskCount, "task", "tasks"))
	if len(r.Tasks) == 0 {
		return
	}
	fmt.Fprintln(w)
	t := output.NewTable(w, "TASK", "STATUS", "PHASE", "AGENT", "TITLE")
	for _, tk := range r.Tasks {
		t.AddRow(tk.ID, string(tk.Status), string(tk.Phase), tk.AssignedAgent, output.Truncate(tk.Title, 50))
	}
	t.Render()
}

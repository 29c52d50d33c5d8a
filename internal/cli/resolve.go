package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/api"
	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/task"
)

func newResolveCmd() *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "resolve <run-id> <task-id> <action>",
		Short: "Submit a human resolution for a task",
		Long: `Submit a human decision for a task that is waiting on one.

Actions: approve, reject, modify, retry, escalate, provide_input.
provide_input requires --feedback.

Examples:
  runwatch resolve run-42 build approve
  runwatch resolve run-42 build reject --feedback "tests are missing"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, taskID := args[0], args[1]
			action := task.Action(strings.ToLower(args[2]))
			if !action.Valid() {
				return output.NewCLIError(fmt.Sprintf("unknown action %q", args[2])).
					WithHint("Use one of: " + actionList()).
					WithCode("INVALID_REQUEST")
			}
			if action == task.ActionProvideInput && strings.TrimSpace(feedback) == "" {
				return output.NewCLIError("provide_input needs --feedback").WithCode("INVALID_REQUEST")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), currentConfig().Connection.RequestTimeout())
			defer cancel()
			t, err := newAPIClient().Resolve(ctx, runID, taskID, api.Resolution{Action: action, Feedback: feedback})
			if err != nil {
				return output.FromError(fmt.Sprintf("failed to %s %s", action, taskID), err)
			}
			return formatter(cmd).Output(t, func(w io.Writer) error {
				fmt.Fprintf(w, "%s %s: now %s\n", action, t.ID, t.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&feedback, "feedback", "m", "", "reason, requested change or input for the task")
	return cmd
}

func actionList() string {
	parts := make([]string, len(task.Actions))
	for i, a := range task.Actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

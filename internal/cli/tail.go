package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/config"
	"github.com/theirongolddev/runwatch/internal/events"
	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/realtime"
	"github.com/theirongolddev/runwatch/internal/wire"
)

func newTailCmd() *cobra.Command {
	var (
		types      []string
		recordPath string
		noNotify   bool
	)

	cmd := &cobra.Command{
		Use:   "tail [run-id...]",
		Short: "Stream realtime events until interrupted",
		Long: `Stream envelopes from the realtime link. Events for the given runs are
printed as they arrive, along with global events such as server errors.

With --json every envelope is one line of wire JSON.

Examples:
  runwatch tail run-42
  runwatch tail run-42 --types task_update,human_needed
  runwatch tail run-42 --json | jq .payload`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseEventTypes(types)
			if err != nil {
				return output.NewCLIError(err.Error()).WithCode("INVALID_FLAG").
					WithHint("Known types: " + joinTypes(wire.EventTypes))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonMode := output.DetectFormat(jsonOutput) == output.FormatJSON
			c := withoutNotify(currentConfig(), noNotify)
			return runTail(ctx, c, cmd.OutOrStdout(), cmd.ErrOrStderr(), args, filter, jsonMode, recordPath)
		},
	}

	cmd.Flags().StringSliceVar(&types, "types", nil, "only these event types (comma-separated)")
	cmd.Flags().StringVar(&recordPath, "record", "", "also append every event to this JSONL file")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not send [notify] notifications")
	return cmd
}

func runTail(ctx context.Context, c *config.Config, out, errOut io.Writer, runIDs []string, filter map[wire.EventType]bool, jsonMode bool, recordPath string) error {
	session, err := newLiveSession(c, recordPath, func(s realtime.State) {
		fmt.Fprintf(errOut, "# %s\n", s)
	})
	if err != nil {
		return output.FromError("failed to start session", err)
	}
	defer session.Close()

	unsubscribe := attachTail(session.dispatcher, out, filter, jsonMode)
	defer unsubscribe()

	if err := session.Start(runIDs); err != nil {
		return output.FromError("failed to subscribe", err)
	}
	<-ctx.Done()
	return nil
}

// attachTail prints envelopes from d that pass filter (nil passes all).
func attachTail(d *events.Dispatcher, w io.Writer, filter map[wire.EventType]bool, jsonMode bool) events.UnsubscribeFunc {
	if jsonMode && len(filter) == 0 {
		return d.Stream(w)
	}

	var mu sync.Mutex
	emit := func(env wire.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if jsonMode {
			data, err := wire.Encode(env)
			if err != nil {
				return
			}
			w.Write(append(data, '\n'))
			return
		}
		fmt.Fprintln(w, describeEnvelope(env))
	}

	if len(filter) == 0 {
		return d.SubscribeAll(emit)
	}
	var unsubs []events.UnsubscribeFunc
	for _, t := range wire.EventTypes {
		if filter[t] {
			unsubs = append(unsubs, d.Subscribe(t, emit))
		}
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func parseEventTypes(raw []string) (map[wire.EventType]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filter := make(map[wire.EventType]bool, len(raw))
	for _, r := range raw {
		t := wire.EventType(strings.TrimSpace(r))
		if t == "" {
			continue
		}
		if !t.Known() {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		filter[t] = true
	}
	return filter, nil
}

func joinTypes(types []wire.EventType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

// describeEnvelope renders one line for text-mode tail.
func describeEnvelope(env wire.Envelope) string {
	var detail string
	switch p := env.Payload.(type) {
	case wire.StateUpdate:
		detail = fmt.Sprintf("status %s, %s", p.Status, output.CountStr(len(p.Tasks), "task", "tasks"))
	case wire.TaskUpdate:
		detail = fmt.Sprintf("%s -> %s", p.Task.ID, p.Task.Status)
	case wire.LogMessage:
		detail = fmt.Sprintf("[%s] %s", p.Level, p.Message)
		if p.TaskID != "" {
			detail = fmt.Sprintf("[%s] %s: %s", p.Level, p.TaskID, p.Message)
		}
	case wire.HumanNeeded:
		detail = fmt.Sprintf("%s: %s", p.TaskID, p.Reason)
		if p.Question != "" {
			detail += " (" + p.Question + ")"
		}
	case wire.RunComplete:
		detail = string(p.Status)
		if p.Summary != "" {
			detail += ": " + p.Summary
		}
	case wire.ErrorPayload:
		detail = p.Message
		if p.Code != "" {
			detail = p.Code + ": " + p.Message
		}
	}

	line := output.FormatTime(env.Timestamp) + " " + string(env.Type)
	if env.RunID != "" {
		line += " " + env.RunID
	}
	if detail != "" {
		line += " " + detail
	}
	return line
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/config"
	"github.com/theirongolddev/runwatch/internal/output"
	"github.com/theirongolddev/runwatch/internal/realtime"
	"github.com/theirongolddev/runwatch/internal/runstate"
	"github.com/theirongolddev/runwatch/internal/tui/runview"
	"github.com/theirongolddev/runwatch/internal/tui/theme"
)

func newWatchCmd() *cobra.Command {
	var (
		logFile    string
		recordPath string
		noReload   bool
		noNotify   bool
	)

	cmd := &cobra.Command{
		Use:     "watch <run-id>...",
		Aliases: []string{"w"},
		Short:   "Interactive view of one or more runs",
		Long: `Open the interactive run view: the dependency graph, the selected task's
detail and the run's log, updated live over the realtime link.

Keys:
  arrows / hjkl   move within and across ranks
  f               focus the selected task's dependencies
  a x m r e i     approve, reject, modify, retry, escalate, provide input
  tab             next run
  ?               all keys

Examples:
  runwatch watch run-42
  runwatch watch run-42 run-43 --record ~/.local/state/runwatch/events.jsonl`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return output.NewCLIError("watch needs an interactive terminal").
					WithHint("Use 'runwatch tail --json' to stream events to a pipe").
					WithCode("NOT_A_TERMINAL")
			}
			return runWatch(cmd.Context(), args, watchOptions{
				logFile:    logFile,
				recordPath: recordPath,
				reload:     !noReload,
				notify:     !noNotify,
			})
		},
	}

	cmd.Flags().StringVar(&logFile, "log-file", "", "write diagnostic logs to this file (default: ui.log_file, else discarded)")
	cmd.Flags().StringVar(&recordPath, "record", "", "append every event to this JSONL file")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "do not reload the config file when it changes")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not send [notify] notifications")
	return cmd
}

type watchOptions struct {
	logFile    string
	recordPath string
	reload     bool
	notify     bool
}

func runWatch(ctx context.Context, runIDs []string, opts watchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := withoutNotify(currentConfig(), !opts.notify)

	closeLog, err := redirectLog(firstNonEmpty(opts.logFile, c.UI.LogFile))
	if err != nil {
		return output.FromError("failed to open log file", err)
	}
	defer closeLog()

	client := newAPIClient()
	bridge := &runview.Bridge{}
	store := runstate.NewStore(
		runstate.WithLayoutOptions(c.Graph),
		runstate.WithTaskSource(client),
		runstate.WithResolver(client),
		runstate.WithChangeListener(bridge.RunChanged),
	)
	for _, id := range runIDs {
		store.Track(id)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resyncAll := func() {
		go func() {
			for _, id := range store.Tracked() {
				rctx, rcancel := context.WithTimeout(ctx, c.Connection.RequestTimeout())
				if err := store.Resync(rctx, id); err != nil && ctx.Err() == nil {
					log.Printf("[cli] resync %s: %v", id, err)
				}
				rcancel()
			}
		}()
	}

	session, err := newLiveSession(c, opts.recordPath, func(s realtime.State) {
		bridge.ConnState(s)
		// anything missed while the link was down
		if s == realtime.StateOpen {
			resyncAll()
		}
	})
	if err != nil {
		return output.FromError("failed to start session", err)
	}
	defer session.Close()

	unattach := store.Attach(session.dispatcher)
	defer unattach()
	unlog := session.dispatcher.SubscribeAll(bridge.Envelope)
	defer unlog()

	model := runview.New(store, runIDs, runview.WithTheme(theme.FromName(c.UI.Theme)))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	bridge.Bind(p)
	defer bridge.Unbind()

	if opts.reload {
		stop, err := config.WatchPath(configPath(), func(next *config.Config) {
			log.Printf("[cli] config reloaded")
			p.Send(runview.ThemeMsg{Theme: theme.FromName(next.UI.Theme)})
		})
		if err != nil {
			log.Printf("[cli] live reload disabled: %v", err)
		} else {
			defer stop()
		}
	}

	// Listeners deliver through p.Send, which blocks until the program runs.
	go func() {
		if err := session.Start(runIDs); err != nil {
			log.Printf("[cli] %v", err)
		}
		// first snapshot; reconnects resync through the state listener
		resyncAll()
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running run view: %w", err)
	}
	return nil
}

// redirectLog points the standard logger at path, or discards it, so log
// lines never land on the alternate screen.
func redirectLog(path string) (func(), error) {
	prev := log.Writer()
	if path == "" {
		log.SetOutput(io.Discard)
		return func() { log.SetOutput(prev) }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(prev)
		f.Close()
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

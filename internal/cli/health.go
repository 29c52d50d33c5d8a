package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/output"
)

type healthResult struct {
	APIURL    string `json:"api_url"`
	WSURL     string `json:"ws_url"`
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the orchestration server answers",
		Long: `Call the server's health endpoint and report its status, version and
round-trip time. Exits non-zero with SERVER_UNAVAILABLE when it does not answer.

Examples:
  runwatch health
  runwatch health --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := currentConfig()
			ctx, cancel := context.WithTimeout(cmd.Context(), c.Connection.RequestTimeout())
			defer cancel()

			start := time.Now()
			status, err := newAPIClient().HealthCheck(ctx)
			if err != nil {
				return output.FromError("server health check failed", err)
			}
			res := healthResult{
				APIURL:    c.Server.APIURL,
				WSURL:     c.Server.WSURL,
				Status:    status.Status,
				Version:   status.Version,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			return formatter(cmd).Output(res, func(w io.Writer) error {
				fmt.Fprintf(w, "%s: %s", res.APIURL, res.Status)
				if res.Version != "" {
					fmt.Fprintf(w, " (version %s)", res.Version)
				}
				fmt.Fprintf(w, " in %dms\n", res.LatencyMS)
				fmt.Fprintf(w, "realtime: %s\n", res.WSURL)
				return nil
			})
		},
	}
}

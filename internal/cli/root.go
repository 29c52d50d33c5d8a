package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/runwatch/internal/api"
	"github.com/theirongolddev/runwatch/internal/config"
	"github.com/theirongolddev/runwatch/internal/output"
)

var (
	cfgFile string
	cfg     *config.Config

	// Global JSON output flag - inherited by all subcommands
	jsonOutput bool

	// Build information - set by goreleaser via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "runwatch",
	Short: "Live terminal view of orchestration runs",
	Long: `runwatch mirrors the live state of orchestration runs: the task dependency
graph, task status changes, log output and requests for human input.

Quick Start:
  runwatch runs                       # List runs
  runwatch watch run-42               # Interactive view of one run
  runwatch tail run-42 --json | jq .  # Stream raw events
  runwatch graph run-42 --hover build # Print the dependency layout`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsConfig(cmd) {
			return nil
		}
		loaded, err := config.Load(configPath())
		if err != nil {
			return output.FromError("failed to load config", err).WithHint(output.HintConfigInvalid)
		}
		cfg = loaded
		return nil
	},
}

// skipsConfig reports whether cmd runs without a loaded config.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "path", "init", "help", "completion":
		return true
	}
	return false
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// Execute runs the root command, rendering any error as text on stderr or as
// JSON on stdout.
func Execute() error {
	err := rootCmd.Execute()
	if err == nil {
		return nil
	}
	var cliErr *output.CLIError
	if !errors.As(err, &cliErr) {
		cliErr = output.NewCLIError(err.Error())
	}
	output.WriteCLIError(os.Stdout, cliErr, jsonOutput)
	return err
}

// IsJSONOutput reports whether machine-readable output was requested.
func IsJSONOutput() bool {
	return jsonOutput
}

// formatter builds the output formatter for cmd.
func formatter(cmd *cobra.Command) *output.Formatter {
	return output.New(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithFormat(output.DetectFormat(jsonOutput)),
	)
}

// newAPIClient builds the REST client from the loaded config.
func newAPIClient() *api.Client {
	c := currentConfig()
	return api.NewClient(
		api.WithBaseURL(c.Server.APIURL),
		api.WithToken(c.Server.Token),
		api.WithTimeout(c.Connection.RequestTimeout()),
	)
}

func currentConfig() *config.Config {
	if cfg == nil {
		return config.Default()
	}
	return cfg
}

func goVersion() string {
	return runtime.Version()
}

func goPlatform() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}

type versionResponse struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuiltAt   string `json:"built_at" yaml:"built_at"`
	BuiltBy   string `json:"built_by" yaml:"built_by"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

func newVersionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && !jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
				return nil
			}
			resp := versionResponse{
				Version:   Version,
				Commit:    Commit,
				BuiltAt:   Date,
				BuiltBy:   BuiltBy,
				GoVersion: goVersion(),
				Platform:  goPlatform(),
			}
			f := output.New(output.WithWriter(cmd.OutOrStdout()), output.WithJSON(jsonOutput))
			return f.Output(resp, func(w io.Writer) error {
				fmt.Fprintf(w, "runwatch version %s\n", resp.Version)
				fmt.Fprintf(w, "  commit:    %s\n", resp.Commit)
				fmt.Fprintf(w, "  built:     %s\n", resp.BuiltAt)
				fmt.Fprintf(w, "  builder:   %s\n", resp.BuiltBy)
				fmt.Fprintf(w, "  go:        %s\n", resp.GoVersion)
				fmt.Fprintf(w, "  platform:  %s\n", resp.Platform)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefaultAt(configPath())
			if err != nil {
				return output.FromError("failed to create config", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := currentConfig()
			if jsonOutput {
				return output.WriteJSON(cmd.OutOrStdout(), c, true)
			}
			return config.Print(c, cmd.OutOrStdout())
		},
	})

	return cmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/runwatch/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (machine-readable)")

	rootCmd.AddCommand(
		newWatchCmd(),
		newTailCmd(),
		newGraphCmd(),
		newRunsCmd(),
		newResolveCmd(),
		newHealthCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}

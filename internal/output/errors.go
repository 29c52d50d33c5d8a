package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/theirongolddev/runwatch/internal/api"
	"github.com/theirongolddev/runwatch/internal/runstate"
	"github.com/theirongolddev/runwatch/internal/tui/theme"
)

// CLIError represents a structured CLI error with remediation hints.
type CLIError struct {
	Message string // What failed
	Cause   string // Why it failed (optional)
	Hint    string // Fastest command/action to fix it (optional)
	Code    string // Error code for programmatic handling (optional)
	err     error
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// Unwrap returns the error the CLIError was built from, if any.
func (e *CLIError) Unwrap() error {
	return e.err
}

// NewCLIError creates a new CLI error with just a message.
func NewCLIError(msg string) *CLIError {
	return &CLIError{Message: msg}
}

// WithCause adds a cause to the error.
func (e *CLIError) WithCause(cause string) *CLIError {
	e.Cause = cause
	return e
}

// WithHint adds a remediation hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// WithCode adds an error code to the error.
func (e *CLIError) WithCode(code string) *CLIError {
	e.Code = code
	return e
}

// ErrorResponse is the standard JSON error format
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Common error hints
var (
	HintServerUnavailable = "Check that the orchestration server is running and server.api_url is correct ('runwatch config show')"
	HintUnauthorized      = "Set server.token in the config file or export RUNWATCH_TOKEN"
	HintRunNotFound       = "Run 'runwatch runs' to see available runs"
	HintTimeout           = "Retry, or raise connection.request_timeout_ms"
	HintConfigNotFound    = "Run 'runwatch config init' to create a default configuration"
	HintConfigInvalid     = "Check config syntax with 'runwatch config show' or edit the file at 'runwatch config path'"
)

// FromError converts err into a CLIError, attaching codes and hints for
// known failure kinds. An existing *CLIError is returned unchanged.
func FromError(msg string, err error) *CLIError {
	var cli *CLIError
	if errors.As(err, &cli) {
		return cli
	}
	e := &CLIError{Message: msg, err: err}
	if err != nil {
		e.Cause = err.Error()
	}
	switch {
	case api.IsUnauthorized(err):
		e.Code, e.Hint = "UNAUTHORIZED", HintUnauthorized
	case api.IsNotFound(err), errors.Is(err, runstate.ErrUnknownTask):
		e.Code, e.Hint = "NOT_FOUND", HintRunNotFound
	case api.IsTimeout(err):
		e.Code, e.Hint = "TIMEOUT", HintTimeout
	case api.IsServerUnavailable(err):
		e.Code, e.Hint = "SERVER_UNAVAILABLE", HintServerUnavailable
	case api.IsInvalidRequest(err):
		e.Code = "INVALID_REQUEST"
	}
	return e
}

// FormatCLIError formats a CLIError for terminal output with colors.
// Returns plain text if stderr is not a terminal or NO_COLOR is set.
func FormatCLIError(e *CLIError) string {
	useColor := term.IsTerminal(int(os.Stderr.Fd())) && !theme.NoColorEnabled()
	return formatCLIError(e, useColor)
}

func formatCLIError(e *CLIError, useColor bool) string {
	label := func(_ lipgloss.Style, s string) string { return s }
	var errStyle, causeStyle, hintStyle, codeStyle lipgloss.Style
	if useColor {
		t := theme.Current()
		errStyle = lipgloss.NewStyle().Foreground(t.Error).Bold(true)
		causeStyle = lipgloss.NewStyle().Foreground(t.Subtext)
		hintStyle = lipgloss.NewStyle().Foreground(t.Info)
		codeStyle = lipgloss.NewStyle().Foreground(t.Overlay)
		label = func(s lipgloss.Style, v string) string { return s.Render(v) }
	}

	var sb strings.Builder
	sb.WriteString(label(errStyle, "Error: "))
	sb.WriteString(e.Message)
	if e.Code != "" {
		sb.WriteString(" ")
		sb.WriteString(label(codeStyle, "["+e.Code+"]"))
	}
	sb.WriteString("\n")
	if e.Cause != "" {
		sb.WriteString(label(causeStyle, "  Cause: "))
		sb.WriteString(e.Cause)
		sb.WriteString("\n")
	}
	if e.Hint != "" {
		sb.WriteString(label(hintStyle, "  Hint: "))
		sb.WriteString(e.Hint)
		sb.WriteString("\n")
	}
	return sb.String()
}

// WriteCLIError writes e as an ErrorResponse to w (JSON mode) or as text to
// stderr.
func WriteCLIError(w io.Writer, e *CLIError, jsonMode bool) {
	if jsonMode {
		WriteJSON(w, ErrorResponse{
			Error:   e.Message,
			Code:    e.Code,
			Details: e.Cause,
			Hint:    e.Hint,
		}, true)
		return
	}
	fmt.Fprint(os.Stderr, FormatCLIError(e))
}

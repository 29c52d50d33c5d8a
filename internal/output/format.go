// Package output provides unified output formatting for text, JSON and YAML.
// All commands should use this package for consistent output across the CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Format represents the output format type
type Format int

const (
	// FormatText is human-readable formatted text (default)
	FormatText Format = iota
	// FormatJSON is machine-readable JSON output
	FormatJSON
	// FormatYAML is YAML output, used for layouts
	FormatYAML
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	default:
		return "text"
	}
}

// ParseFormat maps a --format value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return FormatText, fmt.Errorf("unknown format %q (want text, json or yaml)", s)
}

// Formatter handles output formatting for commands
type Formatter struct {
	format Format
	writer io.Writer
	pretty bool // For JSON: whether to indent
}

// Option is a functional option for Formatter
type Option func(*Formatter)

// New creates a new Formatter with the given options
func New(opts ...Option) *Formatter {
	f := &Formatter{
		format: FormatText,
		writer: os.Stdout,
		pretty: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithFormat sets the output format
func WithFormat(format Format) Option {
	return func(f *Formatter) {
		f.format = format
	}
}

// WithJSON switches between JSON and text
func WithJSON(enabled bool) Option {
	return func(f *Formatter) {
		if enabled {
			f.format = FormatJSON
		} else {
			f.format = FormatText
		}
	}
}

// WithWriter sets the output writer
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) {
		f.writer = w
	}
}

// WithPretty sets whether JSON should be indented
func WithPretty(pretty bool) Option {
	return func(f *Formatter) {
		f.pretty = pretty
	}
}

// Format returns the current output format
func (f *Formatter) Format() Format {
	return f.format
}

// IsJSON returns true if the output format is JSON
func (f *Formatter) IsJSON() bool {
	return f.format == FormatJSON
}

// Writer returns the output writer
func (f *Formatter) Writer() io.Writer {
	return f.writer
}

// Output writes data as JSON or YAML, or calls textFn for text.
func (f *Formatter) Output(data any, textFn func(w io.Writer) error) error {
	switch f.format {
	case FormatJSON:
		return f.JSON(data)
	case FormatYAML:
		return f.YAML(data)
	default:
		return textFn(f.writer)
	}
}

// Textln outputs plain text with a newline to the formatter's writer
func (f *Formatter) Textln(format string, args ...any) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// DetectFormat determines the output format based on environment
// Priority: explicit flag > env var > pipe detection > default text
func DetectFormat(jsonFlag bool) Format {
	if jsonFlag {
		return FormatJSON
	}

	// RUNWATCH_OUTPUT_FORMAT supports "json" and "text"
	switch strings.ToLower(os.Getenv("RUNWATCH_OUTPUT_FORMAT")) {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	}

	// runwatch runs | jq .
	if !IsTerminal() {
		return FormatJSON
	}
	return FormatText
}

// IsTerminal returns true if stdout is a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the width of stdout, or fallback when unknown.
func TerminalWidth(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

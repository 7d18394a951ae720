package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leedenison/portfoliodb/internal/models"
	"github.com/leedenison/portfoliodb/internal/resilience"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && isTerminal(),
	}
}

// isTerminal checks if stdout is a terminal.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a line.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints formatted text.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.colored(color.FgGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.colored(color.FgRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.colored(color.FgYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.colored(color.FgCyan, format, args...)
}

// Bold prints bold text.
func (o *Output) Bold(format string, args ...interface{}) {
	o.colored(color.Bold, format, args...)
}

// Dim prints faint text.
func (o *Output) Dim(format string, args ...interface{}) {
	o.colored(color.Faint, format, args...)
}

func (o *Output) colored(attr color.Attribute, format string, args ...interface{}) {
	o.Println(o.paint(attr, fmt.Sprintf(format, args...)))
}

func (o *Output) paint(attr color.Attribute, text string) string {
	if !o.colorEnabled {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}

// State renders a resolution state, colored by how final it is.
func (o *Output) State(state models.ResolutionState) string {
	switch state {
	case models.StateResolved:
		return o.paint(color.FgGreen, string(state))
	case models.StateRetryScheduled:
		return o.paint(color.FgYellow, string(state))
	case models.StateUnresolvablePresented, models.StateUnresolved:
		return o.paint(color.FgRed, string(state))
	default:
		return string(state)
	}
}

// Circuit renders a circuit breaker state.
func (o *Output) Circuit(state resilience.CircuitState) string {
	switch state {
	case resilience.CircuitClosed:
		return o.paint(color.FgGreen, string(state))
	case resilience.CircuitHalfOpen:
		return o.paint(color.FgYellow, string(state))
	default:
		return o.paint(color.FgRed, string(state))
	}
}

// Table collects rows and renders them with the light table style.
type Table struct {
	writer table.Writer
}

// NewTable creates a new table writing to the output.
func NewTable(output *Output, headers ...string) *Table {
	t := table.NewWriter()
	t.SetOutputMirror(output.writer)
	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	t.AppendHeader(header)

	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return &Table{writer: t}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...interface{}) {
	t.writer.AppendRow(table.Row(cells))
}

// Render renders the table.
func (t *Table) Render() {
	t.writer.Render()
}

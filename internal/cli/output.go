package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/roach88/chanmgr/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The requested call failed (operation error, not found, etc.)
	ExitCommandError = 2 // Command error (bad config, database not found, etc.)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter renders command results as text tables, JSON or YAML.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the envelope of JSON and YAML output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs data. text renders the human-readable form.
func (f *OutputFormatter) Success(data any, text func(io.Writer) error) error {
	switch f.Format {
	case "json":
		return f.encodeJSON(CLIResponse{Status: "ok", Data: data})
	case "yaml":
		return f.encodeYAML(CLIResponse{Status: "ok", Data: data})
	default:
		return text(f.Writer)
	}
}

// Error outputs a failure in the configured format.
func (f *OutputFormatter) Error(err error) error {
	resp := CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: string(model.CodeOf(err)), Message: err.Error()},
	}
	switch f.Format {
	case "json":
		return f.encodeJSON(resp)
	case "yaml":
		return f.encodeYAML(resp)
	default:
		_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
		return werr
	}
}

func (f *OutputFormatter) encodeJSON(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// encodeYAML goes through JSON so that field names match the API.
func (f *OutputFormatter) encodeYAML(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(f.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// writeStatusTable lists every peer of every channel, producers first in
// priority order.
func writeStatusTable(w io.Writer, statuses []model.ChannelStatus) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Channel", "Name", "State", "Peer", "Role", "Owner", "Priority", "Connected"})
	for _, st := range statuses {
		ch := st.Channel
		if len(st.Producers)+len(st.Consumers) == 0 {
			tw.AppendRow(table.Row{ch.ID, ch.Name, string(ch.State), "-", "-", "-", "-", "-"})
			continue
		}
		for _, peers := range [][]model.Peer{st.Producers, st.Consumers} {
			for _, p := range peers {
				tw.AppendRow(table.Row{
					ch.ID, ch.Name, string(ch.State),
					p.ID, string(p.Role), string(p.OwnerType),
					strconv.FormatInt(p.Priority, 10), strconv.FormatBool(p.Connected),
				})
			}
		}
	}
	tw.Render()
	return nil
}

// writeOperationsTable lists operations with their progress.
func writeOperationsTable(w io.Writer, ops []model.Operation) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Channel", "Cursor", "Done", "Error"})
	for _, op := range ops {
		errText := "-"
		if op.Error != nil {
			errText = string(op.Error.Code)
		}
		channelID := op.ChannelID
		if channelID == "" {
			channelID = "-"
		}
		tw.AppendRow(table.Row{
			op.ID, string(op.Type), channelID,
			strconv.Itoa(op.Cursor), strconv.FormatBool(op.Done), errText,
		})
	}
	tw.Render()
	return nil
}

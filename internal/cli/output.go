package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"threadline/pkg/client"
	"threadline/pkg/turns"
	"threadline/pkg/whiteboard"
)

// Exit codes for threadctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
	// ExitConflict: the server refused because state moved on (stale
	// whiteboard revision, turn not admitted).
	ExitConflict = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err, defaulting to ExitFailure.
func GetExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

// classify wraps a client error with the matching exit code.
func classify(message string, err error) error {
	var ce *whiteboard.ConflictError
	if errors.As(err, &ce) {
		return WrapExitError(ExitConflict, message, err)
	}
	if _, ok := turns.AsRejection(err); ok {
		return WrapExitError(ExitConflict, message, err)
	}
	var ae *client.APIError
	if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

type printer struct {
	format string
	out    io.Writer
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) printer {
	return printer{format: opts.Format, out: cmd.OutOrStdout()}
}

// print writes v as one JSON document, or runs text for the text format.
func (p printer) print(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		return json.NewEncoder(p.out).Encode(v)
	}
	text(p.out)
	return nil
}

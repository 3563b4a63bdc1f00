// Package errors defines the error taxonomy shared by the savepoint packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors checked with errors.Is by callers.
var (
	// ErrNotInitialized indicates there is no valid repository at the project root
	ErrNotInitialized = errors.New("not a savepoint project (no repository found)")

	// ErrBlockedByDirtyState indicates a navigation operation was attempted with unsaved changes
	ErrBlockedByDirtyState = errors.New("you have unsaved changes; save them first")

	// ErrNoFurtherHistory indicates there is nothing to undo or redo
	ErrNoFurtherHistory = errors.New("no further history")

	// ErrTargetNotFound indicates a restore target does not resolve to a checkpoint
	ErrTargetNotFound = errors.New("checkpoint not found")

	// ErrSourceNotFound indicates a merge source does not resolve to a checkpoint
	ErrSourceNotFound = errors.New("merge source not found")

	// ErrExternalProcess indicates an external command exited non-zero
	ErrExternalProcess = errors.New("external process failed")

	// ErrCorruptMetadata indicates the version record could not be parsed.
	// It never reaches the user; readers treat the record as absent.
	ErrCorruptMetadata = errors.New("corrupt version metadata")

	// ErrInvalidVersion indicates a manually supplied version string is malformed
	ErrInvalidVersion = errors.New("invalid version string")
)

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Errorf creates a new formatted error.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Wrap wraps an error with a message for better context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message for better context.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether target is in err's chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// CommandError wraps an external command failure with its captured output.
//
// It unwraps to ErrExternalProcess, so callers can test for any external
// failure with errors.Is and still reach the exit code and stderr with
// errors.As.
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error returns a single-line message including the exit code and stderr.
func (e *CommandError) Error() string {
	cmd := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	msg := fmt.Sprintf("%s (exit %d)", cmd, e.ExitCode)
	if detail := firstLine(e.Stderr); detail != "" {
		return msg + ": " + detail
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes ErrExternalProcess and the underlying cause.
func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalProcess}
	}
	return []error{ErrExternalProcess, e.Err}
}

// NewCommandError creates a CommandError; output is kept verbatim.
func NewCommandError(command string, args []string, exitCode int, stdout, stderr string, err error) *CommandError {
	return &CommandError{
		Command:  command,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Err:      err,
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

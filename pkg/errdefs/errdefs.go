// Package errdefs defines the failure kinds surfaced by the sandbox session
// layer. Kinds are sentinel errors matched with errors.Is; an *Error carries
// the operation, the captured output and the exit code of the failing command.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrBootFailure means the sandbox could not be initialized
	ErrBootFailure = errors.New("sandbox boot failed")

	// ErrNotBooted is returned by low-level accessors when no sandbox is ready
	ErrNotBooted = errors.New("sandbox not booted")

	// ErrInstallFailure means the dependency install exited non-zero
	ErrInstallFailure = errors.New("dependency install failed")

	// ErrCommandFailure means a command exited non-zero
	ErrCommandFailure = errors.New("command failed")

	// ErrCommandTimeout means a command did not finish before its deadline
	ErrCommandTimeout = errors.New("command timed out")

	// ErrCacheMiss means no usable dependency cache entry exists
	ErrCacheMiss = errors.New("dependency cache miss")

	// ErrCacheRestore means a matching cache entry could not be restored
	ErrCacheRestore = errors.New("dependency cache restore failed")

	// ErrProcessKill means a tracked process could not be terminated
	ErrProcessKill = errors.New("process kill failed")

	// ErrProcessNotFound means no tracked process has the given ID
	ErrProcessNotFound = errors.New("process not found")
)

// Error is a classified failure with the output captured from the sandbox
type Error struct {
	Kind     error
	Op       string
	Output   string
	ExitCode int
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Is matches the failure kind
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithOutput creates a classified error carrying captured command output
func WithOutput(kind error, op, output string, exitCode int) *Error {
	return &Error{Kind: kind, Op: op, Output: output, ExitCode: exitCode}
}

// Output returns the captured output of a classified error, if any
func Output(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Output
	}
	return ""
}

// IsTimeout reports whether err is a command timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrCommandTimeout)
}

// IsBootFailure reports whether err is a sandbox boot failure
func IsBootFailure(err error) bool {
	return errors.Is(err, ErrBootFailure)
}

package mcpclient

import (
	"errors"
	"fmt"
)

// Error kinds returned by the Manager. Match them with errors.Is.
var (
	// ErrConfiguration reports bad definitions or an operation attempted in the wrong state.
	ErrConfiguration = errors.New("configuration error")
	// ErrServerConnection reports a transport-level connect failure.
	ErrServerConnection = errors.New("server connection error")
	// ErrToolNotFound reports a malformed identifier, an unknown or disabled server, or a missing tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExecution reports a tool that failed after dispatch.
	ErrToolExecution = errors.New("tool execution error")
)

// ServerConnectionError carries the server whose connection failed and the cause.
type ServerConnectionError struct {
	Server string
	Err    error
}

func (e *ServerConnectionError) Error() string {
	return fmt.Sprintf("could not connect to MCP server %q: %v", e.Server, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ServerConnectionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrServerConnection.
func (e *ServerConnectionError) Is(target error) bool { return target == ErrServerConnection }

// ToolExecutionError carries the tool identifier and the original failure.
type ToolExecutionError struct {
	Identifier string
	Err        error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("failed to execute tool %q: %v", e.Identifier, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrToolExecution.
func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func notFoundErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrToolNotFound, fmt.Sprintf(format, args...))
}

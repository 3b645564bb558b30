package sandbox

import (
	"encoding/json"
	"fmt"
)

// Exit code conventions shared with the calling process.
const (
	ExitCodeSuccess     = 0
	ExitCodeFailure     = 1
	ExitCodeTimeout     = 124
	ExitCodeInterrupted = 130
)

// ExecutionResult is the outcome of one script run.
type ExecutionResult struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TimeoutOccurred bool   `json:"timeout_occurred"`
}

// Success reports whether the script exited 0 without timing out.
func (r ExecutionResult) Success() bool {
	return r.ExitCode == ExitCodeSuccess && !r.TimeoutOccurred
}

// MarshalJSON adds the derived success flag to the encoded result.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type fields ExecutionResult
	return json.Marshal(struct {
		Success bool `json:"success"`
		fields
	}{
		Success: r.Success(),
		fields:  fields(r),
	})
}

// Err converts the result into an error for callers that want one:
// ErrTimeout on timeout, a plain error on non-zero exit, nil on success.
func (r ExecutionResult) Err() error {
	switch {
	case r.TimeoutOccurred:
		return ErrTimeout
	case r.ExitCode != ExitCodeSuccess:
		return fmt.Errorf("script exited with code %d", r.ExitCode)
	default:
		return nil
	}
}

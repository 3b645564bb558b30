package sandbox

import (
	"errors"
	"fmt"
)

// ErrSandbox is the base error for sandbox precondition failures.
var ErrSandbox = errors.New("sandbox error")

// ErrRuntimeUnavailable reports that no usable container runtime exists or
// it could not be made ready.
var ErrRuntimeUnavailable = fmt.Errorf("%w: container runtime unavailable", ErrSandbox)

// ErrTimeout is for callers that prefer an error over ExecutionResult.TimeoutOccurred.
// ExecuteScript itself never returns it; see ExecutionResult.Err.
var ErrTimeout = fmt.Errorf("%w: execution timed out", ErrSandbox)

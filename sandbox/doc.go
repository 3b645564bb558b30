// Package sandbox provides isolated script execution in containers.
//
// The Sandbox runs one script at a time inside a Docker or Podman container
// that has no network, a read-only root filesystem, size-capped noexec
// scratch space, process/memory/CPU limits, no capabilities and a non-root
// user. A SecurityPolicy describes those constraints; BuildIsolatedCommand
// turns it into the runtime's argument vector without side effects.
//
// ExecuteScript reports every script outcome, including non-zero exits and
// timeouts, through ExecutionResult. Only environment failures (missing
// runtime, unpullable image, missing script) are returned as errors.
//
// Usage:
//
//	sb, err := sandbox.New(logger, sandbox.WithRuntime("auto"), sandbox.WithImage("python:3.11-slim"))
//	result, err := sb.ExecuteScript(ctx, "script.py", sandbox.ExecuteOptions{})
//	if err == nil && !result.Success() {
//	    fmt.Fprint(os.Stderr, result.Stderr)
//	}
package sandbox

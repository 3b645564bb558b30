package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CommandRunner runs short-lived runtime management commands
// (info, machine, image inspect, pull, kill) and collects their output.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using os/exec.
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built from validated policy

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// ProcessRunner launches the container client process and streams its
// output into the given writers until it exits or ctx is done.
//
// On ctx expiry the implementation must terminate the whole process tree and
// return ctx.Err() once output has been drained.
type ProcessRunner interface {
	Run(ctx context.Context, args []string, stdout, stderr io.Writer) (exitCode int, err error)
}

// FileSystem defines the file system operations the sandbox needs.
type FileSystem interface {
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using the os package.
type RealFileSystem struct{}

// FileExists reports whether path names an existing regular file.
func (RealFileSystem) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

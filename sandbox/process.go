package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long output is drained after the process
// exits or is killed.
const DefaultWaitDelay = 2 * time.Second

// GroupProcessRunner runs the command in its own process group and kills
// the whole group when the context is done.
type GroupProcessRunner struct {
	// Env replaces the inherited environment when non-nil.
	Env       []string
	WaitDelay time.Duration
}

// Run implements ProcessRunner.
func (r GroupProcessRunner) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	if len(args) < 1 {
		return -1, fmt.Errorf("no command provided")
	}

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // argv is built from validated policy
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = r.Env
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitCodeOf(err)
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		<-done
		return -1, ctx.Err()
	}
}

func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatus(exitErr), nil
	}
	return -1, err
}

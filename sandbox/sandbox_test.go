package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testScript = "/scripts/job.py"

func newExecSandbox(t *testing.T, proc *MockProcessRunner, opts ...Option) (*Sandbox, *MockCommandRunner) {
	t.Helper()
	runner := NewMockCommandRunner()
	base := []Option{
		WithRuntime("docker"),
		WithLookPath(fakeLookPath("docker")),
		WithCommandRunner(runner),
		WithProcessRunner(proc),
		WithFileSystem(MockFileSystem{files: map[string]bool{
			testScript:            true,
			"/etc/mcp_config.json": true,
		}}),
	}
	sb, err := New(zaptest.NewLogger(t), append(base, opts...)...)
	require.NoError(t, err)
	return sb, runner
}

func exitWith(code int, stdout, stderr string) *MockProcessRunner {
	return &MockProcessRunner{run: func(_ context.Context, out, errOut io.Writer) (int, error) {
		_, _ = io.WriteString(out, stdout)
		_, _ = io.WriteString(errOut, stderr)
		return code, nil
	}}
}

func TestNew(t *testing.T) {
	t.Run("InvalidPolicy", func(t *testing.T) {
		policy := DefaultSecurityPolicy()
		policy.MemoryLimit = "bogus"

		_, err := New(zaptest.NewLogger(t),
			WithLookPath(fakeLookPath("docker")),
			WithSecurityPolicy(policy),
		)
		require.ErrorIs(t, err, ErrSandbox)
		assert.Contains(t, err.Error(), "memory_limit")
	})

	t.Run("NoRuntime", func(t *testing.T) {
		_, err := New(zaptest.NewLogger(t), WithLookPath(fakeLookPath()))
		require.ErrorIs(t, err, ErrRuntimeUnavailable)
	})

	t.Run("EmptyImage", func(t *testing.T) {
		_, err := New(zaptest.NewLogger(t), WithLookPath(fakeLookPath("docker")), WithImage(""))
		require.ErrorIs(t, err, ErrSandbox)
	})

	t.Run("NilLogger", func(t *testing.T) {
		sb, err := New(nil, WithLookPath(fakeLookPath("podman")))
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/podman", sb.Runtime())
	})

	t.Run("PolicyIsCopied", func(t *testing.T) {
		policy := DefaultSecurityPolicy()
		sb, err := New(zaptest.NewLogger(t), WithLookPath(fakeLookPath("docker")), WithSecurityPolicy(policy))
		require.NoError(t, err)

		policy.DropCapabilities[0] = "NET_RAW"
		assert.Equal(t, []string{"ALL"}, sb.Policy().DropCapabilities)
	})
}

func TestExecuteScript(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		proc := exitWith(0, "hello\n", "")
		sb, runner := newExecSandbox(t, proc)

		result, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.NoError(t, err)
		assert.True(t, result.Success())
		assert.Equal(t, ExecutionResult{ExitCode: 0, Stdout: "hello\n"}, result)
		assert.NoError(t, result.Err())

		args := proc.LastArgs()
		require.GreaterOrEqual(t, len(args), 4)
		assert.Equal(t, []string{"/usr/bin/docker", "run", "--name"}, args[:3])
		assert.True(t, strings.HasPrefix(args[3], "mcpexec-"))
		assert.Equal(t, []string{"image inspect python:3.11-slim"}, runner.Keys())
	})

	t.Run("NonZeroExitIsResult", func(t *testing.T) {
		sb, _ := newExecSandbox(t, exitWith(3, "", "Traceback: boom\n"))

		result, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.NoError(t, err)
		assert.False(t, result.Success())
		assert.Equal(t, 3, result.ExitCode)
		assert.Equal(t, "Traceback: boom\n", result.Stderr)
		assert.False(t, result.TimeoutOccurred)
		assert.Error(t, result.Err())
	})

	t.Run("Timeout", func(t *testing.T) {
		proc := &MockProcessRunner{run: func(ctx context.Context, out, _ io.Writer) (int, error) {
			_, _ = io.WriteString(out, "started\n")
			<-ctx.Done()
			return -1, ctx.Err()
		}}
		sb, runner := newExecSandbox(t, proc)

		start := time.Now()
		result, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{TimeoutSeconds: 1})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)

		assert.True(t, result.TimeoutOccurred)
		assert.Equal(t, ExitCodeTimeout, result.ExitCode)
		assert.False(t, result.Success())
		assert.Equal(t, "started\n", result.Stdout)
		assert.Contains(t, result.Stderr, "Execution exceeded timeout of 1s")
		assert.ErrorIs(t, result.Err(), ErrTimeout)

		name := proc.LastArgs()[3]
		assert.Contains(t, runner.Keys(), "kill "+name)
	})

	t.Run("TimeoutAboveMax", func(t *testing.T) {
		sb, _ := newExecSandbox(t, exitWith(0, "", ""))
		_, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{TimeoutSeconds: 600})
		require.ErrorIs(t, err, ErrSandbox)
	})

	t.Run("MissingScript", func(t *testing.T) {
		proc := exitWith(0, "", "")
		sb, runner := newExecSandbox(t, proc)

		_, err := sb.ExecuteScript(ctx, "/scripts/missing.py", ExecuteOptions{})
		require.ErrorIs(t, err, ErrSandbox)
		assert.Contains(t, err.Error(), "script not found")
		assert.Nil(t, proc.LastArgs())
		assert.Empty(t, runner.Keys())
	})

	t.Run("ConfigMounted", func(t *testing.T) {
		proc := exitWith(0, "", "")
		sb, _ := newExecSandbox(t, proc)

		_, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{ConfigPath: "/etc/mcp_config.json"})
		require.NoError(t, err)
		assert.Contains(t, proc.LastArgs(), "/etc/mcp_config.json:/workspace/mcp_config.json:ro,Z")
	})

	t.Run("MissingConfigSkipped", func(t *testing.T) {
		proc := exitWith(0, "", "")
		sb, _ := newExecSandbox(t, proc)

		_, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{ConfigPath: "/nowhere.json"})
		require.NoError(t, err)
		for _, arg := range proc.LastArgs() {
			assert.NotContains(t, arg, "mcp_config.json")
		}
	})

	t.Run("ImagePullFailure", func(t *testing.T) {
		proc := exitWith(0, "", "")
		sb, runner := newExecSandbox(t, proc)
		runner.On("image inspect python:3.11-slim", mockResponse{exitCode: 1})
		runner.On("pull python:3.11-slim", mockResponse{exitCode: 1, stderr: "denied"})

		_, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.ErrorIs(t, err, ErrSandbox)
		assert.Nil(t, proc.LastArgs())
	})

	t.Run("LaunchFailure", func(t *testing.T) {
		proc := &MockProcessRunner{run: func(context.Context, io.Writer, io.Writer) (int, error) {
			return -1, errors.New("exec format error")
		}}
		sb, _ := newExecSandbox(t, proc)

		_, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.ErrorIs(t, err, ErrSandbox)
		assert.Contains(t, err.Error(), "exec format error")
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		proc := &MockProcessRunner{run: func(ctx context.Context, out, _ io.Writer) (int, error) {
			_, _ = io.WriteString(out, "partial")
			cancel()
			<-ctx.Done()
			return -1, ctx.Err()
		}}
		sb, runner := newExecSandbox(t, proc)

		result, err := sb.ExecuteScript(cancelCtx, testScript, ExecuteOptions{})
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, ErrSandbox)
		assert.Equal(t, ExitCodeInterrupted, result.ExitCode)
		assert.Equal(t, "partial", result.Stdout)
		assert.Contains(t, runner.Keys(), "kill "+proc.LastArgs()[3])
	})

	t.Run("OutputTruncated", func(t *testing.T) {
		big := strings.Repeat("x", 3000)
		sb, _ := newExecSandbox(t, exitWith(0, big, ""), WithMaxOutputKB(1))

		result, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.NoError(t, err)
		assert.Len(t, result.Stdout, 1024)
		assert.Contains(t, result.Stderr, "[stdout truncated at 1 KiB]")
	})

	t.Run("Reusable", func(t *testing.T) {
		calls := 0
		proc := &MockProcessRunner{run: func(_ context.Context, out, _ io.Writer) (int, error) {
			calls++
			_, _ = fmt.Fprintf(out, "run %d", calls)
			return 0, nil
		}}
		sb, _ := newExecSandbox(t, proc)

		first, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.NoError(t, err)
		firstName := proc.LastArgs()[3]
		second, err := sb.ExecuteScript(ctx, testScript, ExecuteOptions{})
		require.NoError(t, err)

		assert.Equal(t, "run 1", first.Stdout)
		assert.Equal(t, "run 2", second.Stdout)
		assert.NotEqual(t, firstName, proc.LastArgs()[3])
	})
}

func TestBoundedBuffer(t *testing.T) {
	b := newBoundedBuffer(5)

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, b.Truncated())

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, b.Truncated())

	n, err = b.Write([]byte("ijk"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abcde", b.String())
}

func TestExecutionResultJSON(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		data, err := json.Marshal(ExecutionResult{ExitCode: 0, Stdout: "ok\n"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":true,"exit_code":0,"stdout":"ok\n","stderr":"","timeout_occurred":false}`, string(data))
	})

	t.Run("Timeout", func(t *testing.T) {
		data, err := json.Marshal(ExecutionResult{ExitCode: ExitCodeTimeout, TimeoutOccurred: true})
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":false,"exit_code":124,"stdout":"","stderr":"","timeout_occurred":true}`, string(data))
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		data, err := json.Marshal(&ExecutionResult{ExitCode: 3, Stderr: "boom"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":false,"exit_code":3,"stdout":"","stderr":"boom","timeout_occurred":false}`, string(data))
	})
}

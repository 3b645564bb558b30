//go:build unix

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/isdmx/mcpexec/config"
	"github.com/isdmx/mcpexec/harness"
	"github.com/isdmx/mcpexec/mcpclient"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "mcp_config.yaml", `
logging:
  level: error
sandbox:
  entrypoint: [sh]
`)

	t.Run("Success", func(t *testing.T) {
		script := writeFile(t, dir, "ok.sh", "echo hello\n")
		stdout, _, err := execute(t, "run", "--config", cfgPath, script)
		require.NoError(t, err)
		assert.Equal(t, "hello\n", stdout)
	})

	t.Run("ExitCodePropagates", func(t *testing.T) {
		script := writeFile(t, dir, "fail.sh", "echo bad >&2\nexit 5\n")
		_, stderr, err := execute(t, "run", "--config", cfgPath, script)

		var exitErr *exitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 5, exitErr.code)
		assert.Equal(t, "bad\n", stderr)
	})

	t.Run("Timeout", func(t *testing.T) {
		script := writeFile(t, dir, "slow.sh", "sleep 30\n")
		_, _, err := execute(t, "run", "--config", cfgPath, "--timeout", "1", script)

		var exitErr *exitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 124, exitErr.code)
	})

	t.Run("MissingScript", func(t *testing.T) {
		_, stderr, err := execute(t, "run", "--config", cfgPath, filepath.Join(dir, "absent.sh"))

		var exitErr *exitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, 1, exitErr.code)
		assert.Contains(t, stderr, "script not found")
	})

	t.Run("RequiresScript", func(t *testing.T) {
		_, _, err := execute(t, "run", "--config", cfgPath)
		require.Error(t, err)
	})

	t.Run("BadConfig", func(t *testing.T) {
		_, _, err := execute(t, "run", "--config", filepath.Join(dir, "missing.yaml"), "x.sh")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})
}

func TestToolsCommand(t *testing.T) {
	t.Run("NoServers", func(t *testing.T) {
		cfgPath := writeFile(t, t.TempDir(), "mcp_config.yaml", "logging:\n  level: error\n")
		_, _, err := execute(t, "tools", "--config", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration error")
	})

	t.Run("UnreachableServerSkipped", func(t *testing.T) {
		cfgPath := writeFile(t, t.TempDir(), "mcp_config.json", `{
			"logging": {"level": "error"},
			"mcpServers": {"ghost": {"command": "/nonexistent/mcp-server"}}
		}`)
		stdout, _, err := execute(t, "tools", "--config", cfgPath, "--json")
		require.NoError(t, err)
		assert.Equal(t, "[]\n", stdout)
	})
}

func newEchoUpstream(t *testing.T) string {
	t.Helper()
	s := server.NewMCPServer("echo-server", "1.0.0")
	s.AddTool(
		mcp.NewTool("echo", mcp.WithString("message", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("message", "")), nil
		},
	)
	s.AddTool(
		mcp.NewTool("stats"),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(`{"count":2}`), nil
		},
	)
	testServer := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(testServer.Close)
	return testServer.URL
}

func TestCallCommand(t *testing.T) {
	cfgPath := writeFile(t, t.TempDir(), "mcp_config.json", `{
		"logging": {"level": "error"},
		"mcpServers": {"echo": {"type": "http", "url": "`+newEchoUpstream(t)+`"}}
	}`)

	t.Run("Text", func(t *testing.T) {
		stdout, _, err := execute(t, "call", "--config", cfgPath, "echo__echo", `{"message":"hi"}`)
		require.NoError(t, err)
		assert.Equal(t, "hi\n", stdout)
	})

	t.Run("StructuredResult", func(t *testing.T) {
		stdout, _, err := execute(t, "call", "--config", cfgPath, "echo__stats")
		require.NoError(t, err)
		assert.JSONEq(t, `{"count":2}`, stdout)
	})

	t.Run("UnknownTool", func(t *testing.T) {
		_, _, err := execute(t, "call", "--config", cfgPath, "echo__missing")
		require.ErrorIs(t, err, mcpclient.ErrToolNotFound)
	})

	t.Run("ParamsNotObject", func(t *testing.T) {
		_, _, err := execute(t, "call", "--config", cfgPath, "echo__echo", "[1]")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "params must be a JSON object")
	})

	t.Run("ConfigFromEnvironment", func(t *testing.T) {
		t.Setenv(harness.ConfigPathEnv, cfgPath)
		stdout, _, err := execute(t, "call", "echo__echo", `{"message":"from env"}`)
		require.NoError(t, err)
		assert.Equal(t, "from env\n", stdout)
	})
}

func TestServeOptions(t *testing.T) {
	cfg, err := config.Load(writeFile(t, t.TempDir(), "mcp_config.yaml", `
server:
  transport: http
  http_port: 0
logging:
  level: error
metrics:
  enabled: true
  address: 127.0.0.1:0
mcpServers:
  files:
    command: files-mcp
`))
	require.NoError(t, err)
	require.NoError(t, fx.ValidateApp(serveOptions(cfg)))
}

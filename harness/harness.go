package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/mcpexec/config"
	"github.com/isdmx/mcpexec/mcpclient"
	"github.com/isdmx/mcpexec/mcpserver"
	"github.com/isdmx/mcpexec/sandbox"
)

// Environment variables set for scripts run in direct mode.
const (
	GatewayURLEnv = "MCPEXEC_GATEWAY_URL"
	ConfigPathEnv = sandbox.ConfigPathEnv
)

// shutdownTimeout bounds gateway shutdown after the script exits.
const shutdownTimeout = 5 * time.Second

// Executor runs a script in the sandbox.
type Executor interface {
	ExecuteScript(ctx context.Context, scriptPath string, opts sandbox.ExecuteOptions) (sandbox.ExecutionResult, error)
}

// Broker is the tool broker served to direct-mode scripts.
type Broker interface {
	mcpserver.ToolBroker
	Initialize(defs []mcpclient.ServerDefinition) error
	Cleanup() error
}

// RunOptions select the execution mode for one run.
type RunOptions struct {
	// Sandbox forces sandboxed mode; sandbox.enabled in config also enables it.
	Sandbox bool
	// TimeoutSeconds overrides the configured timeout when positive.
	TimeoutSeconds int
}

// Runner executes scripts according to the configuration.
type Runner struct {
	config *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer

	newExecutor func() (Executor, error)
	newBroker   func() Broker
}

// Option defines a functional option for Runner
type Option func(*Runner)

// WithOutput sets where script output is written.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithExecutorFactory sets how the sandbox is built for sandboxed runs.
func WithExecutorFactory(f func() (Executor, error)) Option {
	return func(r *Runner) {
		r.newExecutor = f
	}
}

// WithBrokerFactory sets how the tool broker is built for direct runs.
func WithBrokerFactory(f func() Broker) Option {
	return func(r *Runner) {
		r.newBroker = f
	}
}

// New creates a Runner.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		config: cfg,
		logger: logger.Named("harness"),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	r.newExecutor = func() (Executor, error) {
		return sandbox.New(logger, cfg.SandboxOptions()...)
	}
	r.newBroker = func() Broker {
		return mcpclient.New(logger)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes scriptPath and returns the process exit code.
func (r *Runner) Run(ctx context.Context, scriptPath string, opts RunOptions) int {
	if err := checkScript(scriptPath); err != nil {
		r.printf("Error: %v\n", err)
		return sandbox.ExitCodeFailure
	}

	if opts.Sandbox || r.config.Sandbox.Enabled {
		return r.runSandboxed(ctx, scriptPath, opts)
	}
	return r.runDirect(ctx, scriptPath, opts)
}

func checkScript(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("script not found: %s", path)
	}
	if err != nil {
		return fmt.Errorf("cannot access script %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("script is not a regular file: %s", path)
	}
	return nil
}

func (r *Runner) runSandboxed(ctx context.Context, scriptPath string, opts RunOptions) int {
	executor, err := r.newExecutor()
	if err != nil {
		r.printf("Sandbox error: %v\n", err)
		return sandbox.ExitCodeFailure
	}

	result, err := executor.ExecuteScript(ctx, scriptPath, sandbox.ExecuteOptions{
		ConfigPath:     r.config.Path,
		TimeoutSeconds: opts.TimeoutSeconds,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.replay(result)
			r.printf("Interrupted\n")
			return sandbox.ExitCodeInterrupted
		}
		r.printf("Sandbox error: %v\n", err)
		return sandbox.ExitCodeFailure
	}

	r.replay(result)
	if result.TimeoutOccurred {
		return sandbox.ExitCodeTimeout
	}
	return result.ExitCode
}

func (r *Runner) replay(result sandbox.ExecutionResult) {
	_, _ = io.WriteString(r.stdout, result.Stdout)
	_, _ = io.WriteString(r.stderr, result.Stderr)
}

func (r *Runner) runDirect(ctx context.Context, scriptPath string, opts RunOptions) (code int) {
	broker := r.newBroker()
	if defs := r.config.ServerDefinitions(); len(defs) > 0 {
		if err := broker.Initialize(defs); err != nil {
			r.printf("Configuration error: %v\n", err)
			return sandbox.ExitCodeFailure
		}
	} else {
		r.logger.Warn("no MCP servers configured; gateway tools will report errors")
	}

	gateway, err := mcpserver.New(r.config, r.logger, broker)
	if err != nil {
		r.printf("Gateway error: %v\n", err)
		return sandbox.ExitCodeFailure
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		r.printf("Gateway error: %v\n", err)
		return sandbox.ExitCodeFailure
	}
	served := make(chan error, 1)
	go func() {
		served <- gateway.Serve(listener)
	}()

	defer func() {
		if err := r.shutdown(ctx, gateway, broker, served); err != nil {
			r.logger.Error("cleanup failed", zap.Error(err))
			if code == sandbox.ExitCodeSuccess {
				code = sandbox.ExitCodeFailure
			}
		}
	}()

	gatewayURL := "http://" + listener.Addr().String() + mcpserver.EndpointPath
	env := append(os.Environ(), GatewayURLEnv+"="+gatewayURL)
	if r.config.Path != "" {
		env = append(env, ConfigPathEnv+"="+r.config.Path)
	}

	runCtx := ctx
	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := append(slices.Clone(r.config.Sandbox.Entrypoint), scriptPath)
	r.logger.Info("executing script on host",
		zap.String("script", scriptPath),
		zap.String("gateway", gatewayURL),
	)

	runner := sandbox.GroupProcessRunner{Env: env}
	exitCode, err := runner.Run(runCtx, args, r.stdout, r.stderr)
	switch {
	case err == nil:
		return exitCode
	case ctx.Err() != nil:
		r.printf("Interrupted\n")
		return sandbox.ExitCodeInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		r.printf("Execution exceeded timeout of %ds\n", opts.TimeoutSeconds)
		return sandbox.ExitCodeTimeout
	default:
		r.printf("Error: failed to start script: %v\n", err)
		return sandbox.ExitCodeFailure
	}
}

func (r *Runner) shutdown(ctx context.Context, gateway *mcpserver.MCPServer, broker Broker, served <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := gateway.Shutdown(shutdownCtx)
	err = multierr.Append(err, <-served)
	err = multierr.Append(err, broker.Cleanup())
	return err
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.stderr, format, args...)
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultImage is the container image scripts run in.
const DefaultImage = "python:3.11-slim"

// killTimeout bounds the best-effort container kill after a timeout.
const killTimeout = 10 * time.Second

// Sandbox runs scripts in isolated containers. It holds no per-run state
// and may be reused for sequential executions.
type Sandbox struct {
	logger *zap.Logger

	preferredRuntime string
	runtime          string
	image            string
	policy           SecurityPolicy
	entrypoint       []string
	env              map[string]string
	maxOutputBytes   int
	goos             string
	toolClient       string

	cmdRunner  CommandRunner
	procRunner ProcessRunner
	fs         FileSystem
	lookPath   LookPathFunc
}

// Option defines a functional option for Sandbox
type Option func(*Sandbox)

// WithRuntime selects "podman", "docker" or "auto".
func WithRuntime(name string) Option {
	return func(s *Sandbox) {
		s.preferredRuntime = name
	}
}

// WithImage sets the container image.
func WithImage(image string) Option {
	return func(s *Sandbox) {
		s.image = image
	}
}

// WithSecurityPolicy replaces the default policy.
func WithSecurityPolicy(p SecurityPolicy) Option {
	return func(s *Sandbox) {
		s.policy = p
	}
}

// WithEntrypoint sets the interpreter command run inside the container.
func WithEntrypoint(entrypoint ...string) Option {
	return func(s *Sandbox) {
		s.entrypoint = slices.Clone(entrypoint)
	}
}

// WithEnv adds container environment variables on top of DefaultEnv.
func WithEnv(env map[string]string) Option {
	return func(s *Sandbox) {
		maps.Copy(s.env, env)
	}
}

// WithToolClient mounts an mcpexec binary read-only into the container so the
// script can call tools with "$MCPEXEC_CLIENT call server__tool '<json>'".
// ToolClientSelf uses the running executable, which must match the
// container's OS and architecture. Empty disables the mount.
func WithToolClient(path string) Option {
	return func(s *Sandbox) {
		s.toolClient = path
	}
}

// WithMaxOutputKB caps each captured stream.
func WithMaxOutputKB(kb int) Option {
	return func(s *Sandbox) {
		if kb > 0 {
			s.maxOutputBytes = kb * 1024
		}
	}
}

// WithCommandRunner sets the runner for runtime management commands.
func WithCommandRunner(runner CommandRunner) Option {
	return func(s *Sandbox) {
		s.cmdRunner = runner
	}
}

// WithProcessRunner sets the runner for the container process.
func WithProcessRunner(runner ProcessRunner) Option {
	return func(s *Sandbox) {
		s.procRunner = runner
	}
}

// WithFileSystem sets the file system used to check script paths.
func WithFileSystem(fs FileSystem) Option {
	return func(s *Sandbox) {
		s.fs = fs
	}
}

// WithLookPath sets how runtime binaries are resolved.
func WithLookPath(lookPath LookPathFunc) Option {
	return func(s *Sandbox) {
		s.lookPath = lookPath
	}
}

// WithGOOS overrides the host OS used to decide whether podman needs a VM.
func WithGOOS(goos string) Option {
	return func(s *Sandbox) {
		s.goos = goos
	}
}

// New validates the policy, resolves the runtime and returns a Sandbox.
func New(logger *zap.Logger, opts ...Option) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sandbox{
		logger:           logger.Named("sandbox"),
		preferredRuntime: RuntimeAuto,
		image:            DefaultImage,
		policy:           DefaultSecurityPolicy(),
		entrypoint:       slices.Clone(DefaultEntrypoint),
		env:              maps.Clone(DefaultEnv),
		maxOutputBytes:   DefaultMaxOutputKB * 1024,
		goos:             runtime.GOOS,
		cmdRunner:        RealCommandRunner{},
		procRunner:       GroupProcessRunner{},
		fs:               RealFileSystem{},
	}
	for _, opt := range opts {
		opt(s)
	}

	policy, err := NewSecurityPolicy(s.policy)
	if err != nil {
		return nil, err
	}
	s.policy = policy

	if s.image == "" {
		return nil, fmt.Errorf("%w: image must not be empty", ErrSandbox)
	}
	if len(s.entrypoint) == 0 {
		return nil, fmt.Errorf("%w: entrypoint must not be empty", ErrSandbox)
	}

	if err := s.resolveToolClient(); err != nil {
		return nil, err
	}

	s.runtime, err = DetectRuntime(s.preferredRuntime, s.lookPath)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("sandbox created",
		zap.String("runtime", s.runtime),
		zap.String("image", s.image),
	)
	return s, nil
}

func (s *Sandbox) resolveToolClient() error {
	switch s.toolClient {
	case "":
		return nil
	case ToolClientSelf:
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: failed to resolve tool client: %w", ErrSandbox, err)
		}
		s.toolClient = self
	default:
		s.toolClient = absPath(s.toolClient)
	}

	exists, err := s.fs.FileExists(s.toolClient)
	if err != nil {
		return fmt.Errorf("%w: failed to check tool client: %w", ErrSandbox, err)
	}
	if !exists {
		return fmt.Errorf("%w: tool client not found: %s", ErrSandbox, s.toolClient)
	}
	return nil
}

// Runtime returns the resolved runtime binary path.
func (s *Sandbox) Runtime() string {
	return s.runtime
}

// Policy returns a copy of the active security policy.
func (s *Sandbox) Policy() SecurityPolicy {
	return s.policy.clone()
}

// ExecuteOptions are per-run settings.
type ExecuteOptions struct {
	// ConfigPath is mounted read-only into the container when it exists.
	ConfigPath string
	// TimeoutSeconds overrides the policy timeout when positive.
	TimeoutSeconds int
}

// ExecuteScript runs scriptPath in a fresh container and waits for it.
//
// Script failures and timeouts are reported in the result. An error is
// returned only when the run could not happen or the caller cancelled ctx;
// in the latter case the partial result is returned too.
func (s *Sandbox) ExecuteScript(ctx context.Context, scriptPath string, opts ExecuteOptions) (ExecutionResult, error) {
	exists, err := s.fs.FileExists(scriptPath)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("%w: failed to stat script %s: %w", ErrSandbox, scriptPath, err)
	}
	if !exists {
		return ExecutionResult{}, fmt.Errorf("%w: script not found: %s", ErrSandbox, scriptPath)
	}

	timeoutSeconds, err := s.policy.Timeout(opts.TimeoutSeconds)
	if err != nil {
		return ExecutionResult{}, err
	}

	if err := s.EnsureRuntimeReady(ctx); err != nil {
		return ExecutionResult{}, err
	}
	if err := s.EnsureImageAvailable(ctx); err != nil {
		return ExecutionResult{}, err
	}

	configPath := ""
	if opts.ConfigPath != "" {
		if ok, _ := s.fs.FileExists(opts.ConfigPath); ok {
			configPath = opts.ConfigPath
		} else {
			s.logger.Debug("config file not found, not mounting", zap.String("config", opts.ConfigPath))
		}
	}

	name := "mcpexec-" + uuid.NewString()
	args := withContainerName(s.BuildIsolatedCommand(scriptPath, configPath), name)

	logger := s.logger.With(zap.String("container", name))
	logger.Info("executing script in sandbox",
		zap.String("script", scriptPath),
		zap.Int("timeout_sec", timeoutSeconds),
	)
	logger.Debug("container command", zap.Strings("args", args))

	stdout := newBoundedBuffer(s.maxOutputBytes)
	stderr := newBoundedBuffer(s.maxOutputBytes)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	start := time.Now()
	exitCode, runErr := s.procRunner.Run(runCtx, args, stdout, stderr)
	duration := time.Since(start)

	result := ExecutionResult{ExitCode: exitCode}

	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		s.killContainer(ctx, name)
		result.ExitCode = ExitCodeInterrupted
		result.Stdout, result.Stderr = s.collect(stdout, stderr)
		return result, fmt.Errorf("%w: execution cancelled: %w", ErrSandbox, ctx.Err())
	case errors.Is(runErr, context.DeadlineExceeded):
		s.killContainer(ctx, name)
		result.ExitCode = ExitCodeTimeout
		result.TimeoutOccurred = true
		logger.Warn("script execution timed out", zap.Int("timeout_sec", timeoutSeconds))
	default:
		return ExecutionResult{}, fmt.Errorf("%w: failed to launch container: %w", ErrSandbox, runErr)
	}

	result.Stdout, result.Stderr = s.collect(stdout, stderr)
	if result.TimeoutOccurred {
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("Execution exceeded timeout of %ds", timeoutSeconds))
	}

	recordExecution(result, duration.Seconds())
	logger.Info("script execution finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timeout", result.TimeoutOccurred),
		zap.Duration("duration", duration),
	)
	return result, nil
}

func (s *Sandbox) collect(stdout, stderr *boundedBuffer) (string, string) {
	errText := stderr.String()
	if stdout.Truncated() {
		errText = appendLine(errText, fmt.Sprintf("[stdout truncated at %d KiB]", s.maxOutputBytes/1024))
	}
	if stderr.Truncated() {
		errText = appendLine(errText, fmt.Sprintf("[stderr truncated at %d KiB]", s.maxOutputBytes/1024))
	}
	return stdout.String(), errText
}

// killContainer removes the container if it outlived its client process.
func (s *Sandbox) killContainer(ctx context.Context, name string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()

	_, stderr, exitCode, err := s.cmdRunner.RunCommand(killCtx, []string{s.runtime, "kill", name})
	if err != nil || exitCode != 0 {
		s.logger.Debug("container kill failed",
			zap.String("container", name),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err),
		)
	}
}

func appendLine(text, line string) string {
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + line + "\n"
}

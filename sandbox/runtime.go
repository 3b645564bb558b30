package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// RuntimeAuto selects podman when available, else docker.
const RuntimeAuto = "auto"

// maxRuntimeAttempts bounds the podman machine start/init cycle.
const maxRuntimeAttempts = 3

var runtimeCandidates = []string{"podman", "docker"}

// LookPathFunc resolves an executable name on PATH.
type LookPathFunc func(file string) (string, error)

// DetectRuntime resolves the container runtime binary. An explicit name
// must be found on PATH; "auto" or empty tries podman then docker.
func DetectRuntime(preferred string, lookPath LookPathFunc) (string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if preferred != "" && preferred != RuntimeAuto {
		path, err := lookPath(preferred)
		if err != nil {
			return "", fmt.Errorf("%w: %s not found on PATH", ErrRuntimeUnavailable, preferred)
		}
		return path, nil
	}
	for _, candidate := range runtimeCandidates {
		if path, err := lookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: neither podman nor docker found on PATH", ErrRuntimeUnavailable)
}

type probeOutcome int

const (
	probeReady probeOutcome = iota
	probeMachineStopped
	probeMachineMissing
	probeUnavailable
)

func (o probeOutcome) String() string {
	switch o {
	case probeReady:
		return "ready"
	case probeMachineStopped:
		return "machine_stopped"
	case probeMachineMissing:
		return "machine_missing"
	default:
		return "unavailable"
	}
}

// Error text seen from podman when its VM is down or absent. Only used when
// `podman machine list` gives no usable answer.
var (
	machineStoppedSignatures = []string{
		"cannot connect to podman",
		"unable to connect to podman",
		"connection refused",
		"podman machine start",
		"machine is not running",
	}
	machineMissingSignatures = []string{
		"no such vm",
		"vm does not exist",
		"podman machine init",
		"no machine",
	}
)

// EnsureRuntimeReady makes sure the runtime can run containers. Docker is
// assumed ready. Podman outside Linux needs a running VM, which is started
// (or created, then started) on demand.
func (s *Sandbox) EnsureRuntimeReady(ctx context.Context) error {
	if !runtimeIsPodman(s.runtime) {
		return nil
	}

	for attempt := 1; attempt <= maxRuntimeAttempts; attempt++ {
		outcome, detail := s.probePodman(ctx)
		s.logger.Debug("probed podman runtime",
			zap.Int("attempt", attempt),
			zap.Stringer("outcome", outcome),
		)

		switch outcome {
		case probeReady:
			return nil
		case probeUnavailable:
			return fmt.Errorf("%w: podman is not usable: %s", ErrRuntimeUnavailable, strings.TrimSpace(detail))
		case probeMachineStopped:
			missing, err := s.startMachine(ctx)
			if err != nil {
				return err
			}
			if missing {
				if err := s.initMachine(ctx); err != nil {
					return err
				}
			}
		case probeMachineMissing:
			if err := s.initMachine(ctx); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: podman not ready after %d attempts", ErrRuntimeUnavailable, maxRuntimeAttempts)
}

func (s *Sandbox) probePodman(ctx context.Context) (probeOutcome, string) {
	stdout, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "info", "--format", "json"})
	if err != nil {
		return probeUnavailable, err.Error()
	}
	if exitCode == 0 {
		return probeReady, ""
	}
	if s.goos == "linux" {
		return probeUnavailable, stderr
	}
	if outcome, ok := s.machineStatus(ctx); ok {
		return outcome, stderr
	}

	text := strings.ToLower(stdout + stderr)
	switch {
	case containsAny(text, machineMissingSignatures):
		return probeMachineMissing, stderr
	case containsAny(text, machineStoppedSignatures):
		return probeMachineStopped, stderr
	default:
		return probeUnavailable, stderr
	}
}

type machineInfo struct {
	Name     string `json:"Name"`
	Running  bool   `json:"Running"`
	Starting bool   `json:"Starting"`
}

// machineStatus classifies from `podman machine list`. ok is false when the
// listing itself is unusable.
func (s *Sandbox) machineStatus(ctx context.Context) (probeOutcome, bool) {
	stdout, _, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "machine", "list", "--format", "json"})
	if err != nil || exitCode != 0 {
		return probeUnavailable, false
	}
	var machines []machineInfo
	if err := json.Unmarshal([]byte(stdout), &machines); err != nil {
		return probeUnavailable, false
	}
	if len(machines) == 0 {
		return probeMachineMissing, true
	}
	for _, m := range machines {
		if m.Running {
			// VM is up yet info failed: nothing we can fix.
			return probeUnavailable, true
		}
	}
	return probeMachineStopped, true
}

// startMachine reports missing=true when start failed because no VM exists.
func (s *Sandbox) startMachine(ctx context.Context) (missing bool, err error) {
	s.logger.Info("starting podman machine")
	stdout, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "machine", "start"})
	if err != nil {
		return false, fmt.Errorf("%w: failed to start podman machine: %w", ErrRuntimeUnavailable, err)
	}
	if exitCode == 0 {
		return false, nil
	}
	if containsAny(strings.ToLower(stdout+stderr), machineMissingSignatures) {
		return true, nil
	}
	return false, fmt.Errorf("%w: failed to start podman machine: %s", ErrRuntimeUnavailable, strings.TrimSpace(stderr))
}

func (s *Sandbox) initMachine(ctx context.Context) error {
	s.logger.Info("initializing podman machine")
	_, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "machine", "init"})
	if err != nil {
		return fmt.Errorf("%w: failed to initialize podman machine: %w", ErrRuntimeUnavailable, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: failed to initialize podman machine: %s", ErrRuntimeUnavailable, strings.TrimSpace(stderr))
	}
	return nil
}

// EnsureImageAvailable pulls the configured image unless it is present locally.
func (s *Sandbox) EnsureImageAvailable(ctx context.Context) error {
	_, _, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "image", "inspect", s.image})
	if err != nil {
		return fmt.Errorf("%w: failed to inspect image %s: %w", ErrSandbox, s.image, err)
	}
	if exitCode == 0 {
		return nil
	}

	s.logger.Info("pulling sandbox image", zap.String("image", s.image))
	_, stderr, exitCode, err := s.cmdRunner.RunCommand(ctx, []string{s.runtime, "pull", s.image})
	if err != nil {
		return fmt.Errorf("%w: failed to pull image %s: %w", ErrSandbox, s.image, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: failed to pull image %s: %s", ErrSandbox, s.image, strings.TrimSpace(stderr))
	}
	return nil
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

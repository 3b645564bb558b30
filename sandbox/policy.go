package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Security policy defaults.
const (
	DefaultMemoryLimit        = "512m"
	DefaultPidsLimit          = 128
	DefaultTimeoutSeconds     = 30
	DefaultMaxTimeoutSeconds  = 120
	DefaultTmpfsSizeTmp       = "64m"
	DefaultTmpfsSizeWorkspace = "128m"
	DefaultNetworkMode        = "none"
	DefaultContainerUser      = "65534:65534"
)

var (
	sizePattern = regexp.MustCompile(`^[0-9]+[kmgKMG]$`)
	userPattern = regexp.MustCompile(`^[0-9]+(:[0-9]+)?$`)
)

// SecurityPolicy describes the isolation applied to every sandboxed run.
//
// A policy is validated once when the Sandbox is built and copied into it;
// later changes to the caller's value have no effect.
type SecurityPolicy struct {
	MemoryLimit        string
	CPULimit           string // empty means no --cpus flag
	PidsLimit          int
	TimeoutSeconds     int
	MaxTimeoutSeconds  int
	TmpfsSizeTmp       string
	TmpfsSizeWorkspace string
	NetworkMode        string
	ContainerUser      string
	DropCapabilities   []string // empty drops ALL
	KeepCapabilities   []string
	AllowHostPaths     []string
}

// DefaultSecurityPolicy returns the locked-down default policy.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		MemoryLimit:        DefaultMemoryLimit,
		PidsLimit:          DefaultPidsLimit,
		TimeoutSeconds:     DefaultTimeoutSeconds,
		MaxTimeoutSeconds:  DefaultMaxTimeoutSeconds,
		TmpfsSizeTmp:       DefaultTmpfsSizeTmp,
		TmpfsSizeWorkspace: DefaultTmpfsSizeWorkspace,
		NetworkMode:        DefaultNetworkMode,
		ContainerUser:      DefaultContainerUser,
		DropCapabilities:   []string{"ALL"},
	}
}

// NewSecurityPolicy validates p and returns an independent copy of it.
func NewSecurityPolicy(p SecurityPolicy) (SecurityPolicy, error) {
	if err := p.Validate(); err != nil {
		return SecurityPolicy{}, err
	}
	return p.clone(), nil
}

// Validate checks every field of the policy.
func (p SecurityPolicy) Validate() error {
	if !sizePattern.MatchString(p.MemoryLimit) {
		return policyErrorf("invalid memory_limit %q: expected <number><k|m|g>", p.MemoryLimit)
	}
	if p.CPULimit != "" {
		cpus, err := strconv.ParseFloat(p.CPULimit, 64)
		if err != nil || cpus <= 0 {
			return policyErrorf("invalid cpu_limit %q: expected a positive number", p.CPULimit)
		}
	}
	if p.PidsLimit <= 0 {
		return policyErrorf("pids_limit must be positive, got: %d", p.PidsLimit)
	}
	if p.TimeoutSeconds <= 0 {
		return policyErrorf("timeout_sec must be positive, got: %d", p.TimeoutSeconds)
	}
	if p.TimeoutSeconds > p.MaxTimeoutSeconds {
		return policyErrorf("timeout_sec %d exceeds max_timeout_sec %d", p.TimeoutSeconds, p.MaxTimeoutSeconds)
	}
	if !sizePattern.MatchString(p.TmpfsSizeTmp) {
		return policyErrorf("invalid tmpfs_size_tmp %q", p.TmpfsSizeTmp)
	}
	if !sizePattern.MatchString(p.TmpfsSizeWorkspace) {
		return policyErrorf("invalid tmpfs_size_workspace %q", p.TmpfsSizeWorkspace)
	}
	if err := validateNetworkMode(p.NetworkMode); err != nil {
		return err
	}
	if err := validateUser(p.ContainerUser); err != nil {
		return err
	}
	for _, capability := range slices.Concat(p.DropCapabilities, p.KeepCapabilities) {
		if capability == "" || strings.ContainsAny(capability, " \t=") {
			return policyErrorf("invalid capability %q", capability)
		}
	}
	for _, path := range p.AllowHostPaths {
		if !filepath.IsAbs(path) {
			return policyErrorf("allow_host_paths entry must be absolute: %q", path)
		}
		if filepath.Clean(path) == "/" {
			return policyErrorf("allow_host_paths must not expose the host root")
		}
	}
	return nil
}

// Flags renders the policy as container runtime flags in a fixed order.
func (p SecurityPolicy) Flags() []string {
	flags := []string{
		"--network", p.NetworkMode,
		"--read-only",
		"--pids-limit", strconv.Itoa(p.PidsLimit),
		"--memory", p.MemoryLimit,
		"--tmpfs", "/tmp:rw,noexec,nosuid,nodev,size=" + p.TmpfsSizeTmp,
		"--tmpfs", "/workspace:rw,noexec,nosuid,nodev,size=" + p.TmpfsSizeWorkspace,
		"--workdir", containerWorkdir,
		"--security-opt", "no-new-privileges",
		"--user", p.ContainerUser,
	}
	if p.CPULimit != "" {
		flags = append(flags, "--cpus", p.CPULimit)
	}
	for _, capability := range p.droppedCapabilities() {
		flags = append(flags, "--cap-drop", capability)
	}
	for _, capability := range p.KeepCapabilities {
		flags = append(flags, "--cap-add", capability)
	}
	for _, path := range p.AllowHostPaths {
		clean := filepath.Clean(path)
		flags = append(flags, "-v", clean+":/mnt/"+filepath.Base(clean)+":ro")
	}
	return flags
}

// Timeout returns the effective timeout for an override in seconds. Zero or
// negative selects the policy default; overrides above the maximum are
// rejected.
func (p SecurityPolicy) Timeout(overrideSeconds int) (int, error) {
	if overrideSeconds <= 0 {
		return p.TimeoutSeconds, nil
	}
	if overrideSeconds > p.MaxTimeoutSeconds {
		return 0, policyErrorf("timeout %ds exceeds max_timeout_sec %d", overrideSeconds, p.MaxTimeoutSeconds)
	}
	return overrideSeconds, nil
}

func (p SecurityPolicy) droppedCapabilities() []string {
	if len(p.DropCapabilities) == 0 {
		return []string{"ALL"}
	}
	return p.DropCapabilities
}

func (p SecurityPolicy) clone() SecurityPolicy {
	p.DropCapabilities = slices.Clone(p.DropCapabilities)
	p.KeepCapabilities = slices.Clone(p.KeepCapabilities)
	p.AllowHostPaths = slices.Clone(p.AllowHostPaths)
	return p
}

func validateNetworkMode(mode string) error {
	switch mode {
	case "none", "host", "bridge":
		return nil
	}
	if name, ok := strings.CutPrefix(mode, "container:"); ok && name != "" {
		return nil
	}
	return policyErrorf("invalid network_mode %q: expected none, host, bridge or container:<name>", mode)
}

func validateUser(user string) error {
	if !userPattern.MatchString(user) {
		return policyErrorf("container_user must be numeric uid[:gid], got: %q", user)
	}
	uid, _, _ := strings.Cut(user, ":")
	if n, _ := strconv.Atoi(uid); n == 0 {
		return policyErrorf("container_user must not be root")
	}
	return nil
}

func policyErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: invalid security policy: %s", ErrSandbox, fmt.Sprintf(format, args...))
}

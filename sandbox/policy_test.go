package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityPolicyValidate(t *testing.T) {
	t.Run("DefaultIsValid", func(t *testing.T) {
		require.NoError(t, DefaultSecurityPolicy().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(p *SecurityPolicy)
		message string
	}{
		{"BadMemory", func(p *SecurityPolicy) { p.MemoryLimit = "lots" }, "memory_limit"},
		{"MemoryWithoutUnit", func(p *SecurityPolicy) { p.MemoryLimit = "512" }, "memory_limit"},
		{"BadCPU", func(p *SecurityPolicy) { p.CPULimit = "-1" }, "cpu_limit"},
		{"ZeroPids", func(p *SecurityPolicy) { p.PidsLimit = 0 }, "pids_limit"},
		{"ZeroTimeout", func(p *SecurityPolicy) { p.TimeoutSeconds = 0 }, "timeout_sec must be positive"},
		{"TimeoutAboveMax", func(p *SecurityPolicy) { p.TimeoutSeconds = 150 }, "exceeds max_timeout_sec"},
		{"BadTmpfs", func(p *SecurityPolicy) { p.TmpfsSizeTmp = "64" }, "tmpfs_size_tmp"},
		{"BadWorkspaceTmpfs", func(p *SecurityPolicy) { p.TmpfsSizeWorkspace = "" }, "tmpfs_size_workspace"},
		{"BadNetwork", func(p *SecurityPolicy) { p.NetworkMode = "overlay" }, "network_mode"},
		{"EmptyContainerNetwork", func(p *SecurityPolicy) { p.NetworkMode = "container:" }, "network_mode"},
		{"NamedUser", func(p *SecurityPolicy) { p.ContainerUser = "nobody" }, "numeric"},
		{"RootUser", func(p *SecurityPolicy) { p.ContainerUser = "0:0" }, "root"},
		{"BadCapability", func(p *SecurityPolicy) { p.KeepCapabilities = []string{"NET ADMIN"} }, "capability"},
		{"RelativeHostPath", func(p *SecurityPolicy) { p.AllowHostPaths = []string{"data"} }, "absolute"},
		{"HostRoot", func(p *SecurityPolicy) { p.AllowHostPaths = []string{"/"} }, "host root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultSecurityPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.ErrorIs(t, err, ErrSandbox)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("AcceptsVariants", func(t *testing.T) {
		p := DefaultSecurityPolicy()
		p.MemoryLimit = "2G"
		p.CPULimit = "0.5"
		p.NetworkMode = "container:proxy"
		p.ContainerUser = "1000"
		require.NoError(t, p.Validate())
	})
}

func TestNewSecurityPolicyCopies(t *testing.T) {
	original := DefaultSecurityPolicy()
	original.AllowHostPaths = []string{"/data"}

	p, err := NewSecurityPolicy(original)
	require.NoError(t, err)

	original.AllowHostPaths[0] = "/etc"
	original.DropCapabilities[0] = "NET_RAW"
	assert.Equal(t, []string{"/data"}, p.AllowHostPaths)
	assert.Equal(t, []string{"ALL"}, p.DropCapabilities)
}

func TestSecurityPolicyFlags(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		assert.Equal(t, []string{
			"--network", "none",
			"--read-only",
			"--pids-limit", "128",
			"--memory", "512m",
			"--tmpfs", "/tmp:rw,noexec,nosuid,nodev,size=64m",
			"--tmpfs", "/workspace:rw,noexec,nosuid,nodev,size=128m",
			"--workdir", "/workspace",
			"--security-opt", "no-new-privileges",
			"--user", "65534:65534",
			"--cap-drop", "ALL",
		}, DefaultSecurityPolicy().Flags())
	})

	t.Run("Optional", func(t *testing.T) {
		p := DefaultSecurityPolicy()
		p.CPULimit = "1.5"
		p.KeepCapabilities = []string{"CHOWN"}
		p.AllowHostPaths = []string{"/srv/data/"}

		flags := p.Flags()
		assert.Equal(t, []string{
			"--cpus", "1.5",
			"--cap-drop", "ALL",
			"--cap-add", "CHOWN",
			"-v", "/srv/data:/mnt/data:ro",
		}, flags[len(flags)-8:])
	})

	t.Run("EmptyDropListDropsAll", func(t *testing.T) {
		p, err := NewSecurityPolicy(SecurityPolicy{
			MemoryLimit:        "256m",
			PidsLimit:          64,
			TimeoutSeconds:     10,
			MaxTimeoutSeconds:  60,
			TmpfsSizeTmp:       "16m",
			TmpfsSizeWorkspace: "32m",
			NetworkMode:        "none",
			ContainerUser:      "1000",
		})
		require.NoError(t, err)

		flags := p.Flags()
		assert.Equal(t, []string{"--cap-drop", "ALL"}, flags[len(flags)-2:])
	})
}

func TestSecurityPolicyTimeout(t *testing.T) {
	p := DefaultSecurityPolicy()

	got, err := p.Timeout(0)
	require.NoError(t, err)
	assert.Equal(t, 30, got)

	got, err = p.Timeout(90)
	require.NoError(t, err)
	assert.Equal(t, 90, got)

	_, err = p.Timeout(121)
	require.ErrorIs(t, err, ErrSandbox)
}

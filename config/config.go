package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/mcpexec/mcpclient"
	"github.com/isdmx/mcpexec/sandbox"
)

// EnvPrefix prefixes environment overrides, e.g. MCPEXEC_SANDBOX_TIMEOUT_SEC.
const EnvPrefix = "MCPEXEC"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// MCPServers is keyed by server name. Names and env keys keep their case.
	MCPServers map[string]MCPServerConfig `mapstructure:"-"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `mapstructure:"-"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds container sandbox configuration
type SandboxConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Runtime            string            `mapstructure:"runtime"`
	Image              string            `mapstructure:"image"`
	MemoryLimit        string            `mapstructure:"memory_limit"`
	CPULimit           string            `mapstructure:"cpu_limit"`
	PidsLimit          int               `mapstructure:"pids_limit"`
	TimeoutSec         int               `mapstructure:"timeout_sec"`
	MaxTimeoutSec      int               `mapstructure:"max_timeout_sec"`
	TmpfsSizeTmp       string            `mapstructure:"tmpfs_size_tmp"`
	TmpfsSizeWorkspace string            `mapstructure:"tmpfs_size_workspace"`
	NetworkMode        string            `mapstructure:"network_mode"`
	ContainerUser      string            `mapstructure:"container_user"`
	KeepCapabilities   []string          `mapstructure:"keep_capabilities"`
	AllowHostPaths     []string          `mapstructure:"allow_host_paths"`
	Entrypoint         []string          `mapstructure:"entrypoint"`
	Env                map[string]string `mapstructure:"-"`
	MaxOutputKB        int               `mapstructure:"max_output_kb"`
	ToolClient         string            `mapstructure:"tool_client"` // "", "self" or an absolute path
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// MCPServerConfig is one entry of the mcpServers section.
type MCPServerConfig struct {
	Type     string            `yaml:"type" json:"type"`
	Command  string            `yaml:"command" json:"command"`
	Args     []string          `yaml:"args" json:"args"`
	Env      map[string]string `yaml:"env" json:"env"`
	URL      string            `yaml:"url" json:"url"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
	Disabled bool              `yaml:"disabled" json:"disabled"`
}

// caseSensitive holds the sections viper would lower-case.
type caseSensitive struct {
	MCPServers map[string]MCPServerConfig `yaml:"mcpServers" json:"mcpServers"`
	Sandbox    struct {
		Env map[string]string `yaml:"env" json:"env"`
	} `yaml:"sandbox" json:"sandbox"`
}

// New searches mcp_config.{json,yaml,yml} in . and ./config and loads it,
// falling back to defaults when no file exists.
func New() (*Config, error) {
	return Load("")
}

// Load loads and validates the configuration. An empty path searches the
// default locations; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcp_config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Path = v.ConfigFileUsed()
	config.Sandbox.Env = map[string]string{}
	config.MCPServers = map[string]MCPServerConfig{}

	if config.Path != "" {
		overlay, err := readCaseSensitive(config.Path)
		if err != nil {
			return nil, err
		}
		if overlay.MCPServers != nil {
			config.MCPServers = overlay.MCPServers
		}
		if overlay.Sandbox.Env != nil {
			config.Sandbox.Env = overlay.Sandbox.Env
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	policy := sandbox.DefaultSecurityPolicy()
	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.runtime", sandbox.RuntimeAuto)
	v.SetDefault("sandbox.image", sandbox.DefaultImage)
	v.SetDefault("sandbox.memory_limit", policy.MemoryLimit)
	v.SetDefault("sandbox.cpu_limit", "")
	v.SetDefault("sandbox.pids_limit", policy.PidsLimit)
	v.SetDefault("sandbox.timeout_sec", policy.TimeoutSeconds)
	v.SetDefault("sandbox.max_timeout_sec", policy.MaxTimeoutSeconds)
	v.SetDefault("sandbox.tmpfs_size_tmp", policy.TmpfsSizeTmp)
	v.SetDefault("sandbox.tmpfs_size_workspace", policy.TmpfsSizeWorkspace)
	v.SetDefault("sandbox.network_mode", policy.NetworkMode)
	v.SetDefault("sandbox.container_user", policy.ContainerUser)
	v.SetDefault("sandbox.keep_capabilities", []string{})
	v.SetDefault("sandbox.allow_host_paths", []string{})
	v.SetDefault("sandbox.entrypoint", sandbox.DefaultEntrypoint)
	v.SetDefault("sandbox.max_output_kb", sandbox.DefaultMaxOutputKB)
	v.SetDefault("sandbox.tool_client", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

func readCaseSensitive(path string) (caseSensitive, error) {
	var overlay caseSensitive

	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, fmt.Errorf("error reading config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &overlay)
	} else {
		err = yaml.Unmarshal(data, &overlay)
	}
	if err != nil {
		return overlay, fmt.Errorf("error parsing mcpServers: %w", err)
	}
	return overlay, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Sandbox.Runtime {
	case sandbox.RuntimeAuto, "docker", "podman":
	default:
		return fmt.Errorf("unsupported sandbox.runtime: %s", c.Sandbox.Runtime)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if len(c.Sandbox.Entrypoint) == 0 {
		return fmt.Errorf("sandbox.entrypoint must not be empty")
	}

	if tc := c.Sandbox.ToolClient; tc != "" && tc != sandbox.ToolClientSelf && !filepath.IsAbs(tc) {
		return fmt.Errorf("sandbox.tool_client must be %q or an absolute path, got: %s", sandbox.ToolClientSelf, tc)
	}

	if err := c.SecurityPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid sandbox settings: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	for name, server := range c.MCPServers {
		switch mcpclient.TransportKind(server.transport()) {
		case mcpclient.TransportStdio, mcpclient.TransportSSE, mcpclient.TransportHTTP:
		default:
			return fmt.Errorf("invalid mcpServers.%s.type: %s", name, server.Type)
		}
	}

	return nil
}

func (s MCPServerConfig) transport() string {
	if s.Type == "" {
		return string(mcpclient.TransportStdio)
	}
	return strings.ToLower(s.Type)
}

// ServerDefinitions converts mcpServers into definitions sorted by name.
func (c *Config) ServerDefinitions() []mcpclient.ServerDefinition {
	defs := make([]mcpclient.ServerDefinition, 0, len(c.MCPServers))
	for _, name := range slices.Sorted(maps.Keys(c.MCPServers)) {
		server := c.MCPServers[name]
		defs = append(defs, mcpclient.ServerDefinition{
			Name:      name,
			Transport: mcpclient.TransportKind(server.transport()),
			Enabled:   !server.Disabled,
			Command:   server.Command,
			Args:      slices.Clone(server.Args),
			Env:       maps.Clone(server.Env),
			URL:       server.URL,
			Headers:   maps.Clone(server.Headers),
		})
	}
	return defs
}

// SecurityPolicy builds the sandbox policy from the sandbox section.
func (c *Config) SecurityPolicy() sandbox.SecurityPolicy {
	policy := sandbox.DefaultSecurityPolicy()
	policy.MemoryLimit = c.Sandbox.MemoryLimit
	policy.CPULimit = c.Sandbox.CPULimit
	policy.PidsLimit = c.Sandbox.PidsLimit
	policy.TimeoutSeconds = c.Sandbox.TimeoutSec
	policy.MaxTimeoutSeconds = c.Sandbox.MaxTimeoutSec
	policy.TmpfsSizeTmp = c.Sandbox.TmpfsSizeTmp
	policy.TmpfsSizeWorkspace = c.Sandbox.TmpfsSizeWorkspace
	policy.NetworkMode = c.Sandbox.NetworkMode
	policy.ContainerUser = c.Sandbox.ContainerUser
	if len(c.Sandbox.KeepCapabilities) > 0 {
		policy.KeepCapabilities = slices.Clone(c.Sandbox.KeepCapabilities)
	}
	if len(c.Sandbox.AllowHostPaths) > 0 {
		policy.AllowHostPaths = slices.Clone(c.Sandbox.AllowHostPaths)
	}
	return policy
}

// SandboxOptions returns the options for sandbox.New.
func (c *Config) SandboxOptions() []sandbox.Option {
	return []sandbox.Option{
		sandbox.WithRuntime(c.Sandbox.Runtime),
		sandbox.WithImage(c.Sandbox.Image),
		sandbox.WithSecurityPolicy(c.SecurityPolicy()),
		sandbox.WithEntrypoint(c.Sandbox.Entrypoint...),
		sandbox.WithEnv(c.Sandbox.Env),
		sandbox.WithMaxOutputKB(c.Sandbox.MaxOutputKB),
		sandbox.WithToolClient(c.Sandbox.ToolClient),
	}
}

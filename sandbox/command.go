package sandbox

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

const (
	containerWorkdir        = "/workspace"
	containerConfigPath     = "/workspace/mcp_config.json"
	containerToolClientPath = "/opt/mcpexec/bin/mcpexec"
)

// Environment variables that point a script at the tool client.
const (
	ToolClientEnv = "MCPEXEC_CLIENT"
	ConfigPathEnv = "MCPEXEC_CONFIG"
)

// ToolClientSelf selects the running executable as the tool client.
const ToolClientSelf = "self"

// DefaultEntrypoint is the interpreter command used inside the container.
var DefaultEntrypoint = []string{"python3", "-u"}

// DefaultEnv is the environment set inside the container.
var DefaultEnv = map[string]string{
	"HOME":                    containerWorkdir,
	"PYTHONUNBUFFERED":        "1",
	"PYTHONIOENCODING":        "utf-8",
	"PYTHONDONTWRITEBYTECODE": "1",
}

// BuildIsolatedCommand returns the full runtime argv for running scriptPath.
//
// The config file is mounted only when configPath is non-empty. The result
// depends only on its inputs and the sandbox settings; it performs no I/O
// beyond resolving relative paths against the working directory.
func (s *Sandbox) BuildIsolatedCommand(scriptPath, configPath string) []string {
	script := absPath(scriptPath)
	scriptName := filepath.Base(script)

	// stdin stays attached; scripts read EOF from the runner's /dev/null
	args := []string{s.runtime, "run", "--rm", "--interactive"}
	args = append(args, s.policy.Flags()...)

	env := s.containerEnv(configPath)
	for _, key := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "--env", key+"="+env[key])
	}

	args = append(args, "-v", script+":"+containerWorkdir+"/"+scriptName+":ro,Z")
	if configPath != "" {
		args = append(args, "-v", absPath(configPath)+":"+containerConfigPath+":ro,Z")
	}
	if s.toolClient != "" {
		// shared label: the host binary stays usable outside this container
		args = append(args, "-v", s.toolClient+":"+containerToolClientPath+":ro,z")
	}

	args = append(args, s.image)
	args = append(args, s.entrypoint...)
	args = append(args, containerWorkdir+"/"+scriptName)
	return args
}

func (s *Sandbox) containerEnv(configPath string) map[string]string {
	if s.toolClient == "" {
		return s.env
	}
	env := maps.Clone(s.env)
	env[ToolClientEnv] = containerToolClientPath
	if configPath != "" {
		env[ConfigPathEnv] = containerConfigPath
	}
	return env
}

// withContainerName inserts --name right after the run subcommand.
func withContainerName(args []string, name string) []string {
	idx := slices.Index(args, "run")
	if idx < 0 {
		return args
	}
	return slices.Insert(slices.Clone(args), idx+1, "--name", name)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// runtimeIsPodman reports whether the runtime binary is podman.
func runtimeIsPodman(runtime string) bool {
	return strings.Contains(filepath.Base(runtime), "podman")
}

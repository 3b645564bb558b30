package mcpclient

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// TransportKind selects how a tool server is reached.
type TransportKind string

// Supported transports
const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
	TransportHTTP  TransportKind = "http"
)

// ToolSeparator splits a tool identifier into server and tool names.
const ToolSeparator = "__"

// ServerDefinition describes one tool server. It is validated once and
// treated as read-only afterwards.
type ServerDefinition struct {
	Name      string
	Transport TransportKind
	Enabled   bool

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// sse / http
	URL     string
	Headers map[string]string
}

// Validate checks the transport-specific fields.
func (d ServerDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return configErrorf("server name cannot be empty")
	}
	if strings.Contains(d.Name, ToolSeparator) {
		return configErrorf("server name %q must not contain %q", d.Name, ToolSeparator)
	}

	switch d.Transport {
	case TransportStdio:
		if strings.TrimSpace(d.Command) == "" {
			return configErrorf("server %q: stdio servers require 'command'", d.Name)
		}
	case TransportSSE, TransportHTTP:
		if strings.TrimSpace(d.URL) == "" {
			return configErrorf("server %q: %s servers require 'url'", d.Name, d.Transport)
		}
	default:
		return configErrorf("server %q: invalid transport type %q, must be 'stdio', 'sse' or 'http'", d.Name, d.Transport)
	}

	return nil
}

// envList renders Env as KEY=VALUE pairs in key order.
func (d ServerDefinition) envList() []string {
	keys := slices.Sorted(maps.Keys(d.Env))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, d.Env[k]))
	}
	return env
}

// validateDefinitions checks a whole definition set and indexes it by name.
func validateDefinitions(defs []ServerDefinition) (map[string]ServerDefinition, error) {
	if len(defs) == 0 {
		return nil, configErrorf("at least one MCP server must be configured")
	}

	byName := make(map[string]ServerDefinition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[d.Name]; dup {
			return nil, configErrorf("duplicate server name %q", d.Name)
		}
		byName[d.Name] = d
	}
	return byName, nil
}

// ParseToolIdentifier splits "server__tool" at the first separator.
func ParseToolIdentifier(identifier string) (server, tool string, err error) {
	server, tool, ok := strings.Cut(identifier, ToolSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", notFoundErrorf("invalid tool identifier %q, expected format 'serverName__toolName'", identifier)
	}
	return server, tool, nil
}

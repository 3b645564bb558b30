// Package config provides application configuration management.
//
// Configuration is read from mcp_config.json, mcp_config.yaml or
// mcp_config.yml (searched in . and ./config, or given explicitly) with
// MCPEXEC_-prefixed environment overrides. It covers the gateway server,
// logging, the container sandbox, metrics, and the mcpServers map that
// defines the tool servers. The same file is understood by the MCP client
// tooling that popularized the mcpServers layout:
//
//	{
//	  "mcpServers": {
//	    "github": {"command": "github-mcp", "args": ["stdio"], "env": {"GITHUB_TOKEN": "..."}},
//	    "search": {"type": "http", "url": "https://search.example.com/mcp"}
//	  },
//	  "sandbox": {"enabled": true, "timeout_sec": 60}
//	}
//
// Usage:
//
//	cfg, err := config.Load("mcp_config.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defs := cfg.ServerDefinitions()
package config

// Package main is the entry point for the mcpexec command.
//
// mcpexec runs scripts against a set of Model Context Protocol (MCP) tool
// servers described in mcp_config.json. Scripts either run on the host with
// a loopback gateway that brokers every configured server, or inside a
// locked-down Docker/Podman container.
//
//	mcpexec run job.py               run on the host with gateway access
//	mcpexec run --sandbox job.py     run in the container sandbox
//	mcpexec tools                    list server__tool identifiers
//	mcpexec serve                    serve the gateway over stdio or HTTP
//
// The serve command uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

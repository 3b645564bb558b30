// Package mcpserver provides the gateway Model Context Protocol (MCP) server.
//
// The gateway re-exposes every tool reachable through an mcpclient.Manager
// behind a single MCP endpoint, so a script needs one connection instead of
// one per server. It registers three tools:
//
//   - list_tools returns the available server__tool identifiers.
//   - call_tool dispatches {tool, params} and returns the normalized result.
//   - execute_script runs a script in the container sandbox (only when a
//     ScriptExecutor is configured).
//
// The server supports both stdio and streamable HTTP transports.
//
// Usage:
//
//	gw, err := mcpserver.New(cfg, logger, manager, mcpserver.WithScriptExecutor(sb))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = gw.ServeStdio() // or gw.ServeHTTP()
package mcpserver

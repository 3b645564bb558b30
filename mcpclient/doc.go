// Package mcpclient provides the connection manager for remote MCP tool servers.
//
// The Manager owns one lazily established session per configured server,
// caches each server's tool list, resolves "server__tool" identifiers and
// normalizes the heterogeneous result shapes returned by tool servers into a
// single value. Servers are reached over stdio, Server-Sent Events or
// streamable HTTP through the mark3labs/mcp-go client.
//
// Usage:
//
//	manager := mcpclient.New(logger)
//	if err := manager.Initialize(defs); err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Cleanup()
//	result, err := manager.CallTool(ctx, "git__git_status", map[string]any{"repo_path": "."})
package mcpclient

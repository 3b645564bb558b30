// Package harness runs a user script end to end and maps the outcome to a
// process exit code.
//
// In sandboxed mode the script runs in the container sandbox and its
// captured output is replayed verbatim. In direct mode the script runs on
// the host with a gateway MCP server listening on loopback; the script finds
// it through the MCPEXEC_GATEWAY_URL environment variable and reaches every
// configured tool server through it.
//
// Exit codes: 0 success, the script's own code on failure, 1 on harness or
// sandbox errors, 124 on timeout, 130 on interruption.
package harness

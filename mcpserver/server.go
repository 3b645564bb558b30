package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/mcpexec/config"
	"github.com/isdmx/mcpexec/mcpclient"
	"github.com/isdmx/mcpexec/sandbox"
)

// EndpointPath is where the streamable HTTP transport is mounted.
const EndpointPath = "/mcp"

// Tool names exposed by the gateway.
const (
	ToolListTools     = "list_tools"
	ToolCallTool      = "call_tool"
	ToolExecuteScript = "execute_script"
)

// ToolBroker lists and dispatches tools across the configured servers.
type ToolBroker interface {
	ListAllTools(ctx context.Context) ([]mcpclient.ToolDescriptor, error)
	CallTool(ctx context.Context, identifier string, params map[string]any) (any, error)
}

// ScriptExecutor runs scripts in isolation.
type ScriptExecutor interface {
	ExecuteScript(ctx context.Context, scriptPath string, opts sandbox.ExecuteOptions) (sandbox.ExecutionResult, error)
}

// MCPServer is the gateway MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	broker    ToolBroker
	executor  ScriptExecutor
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// Option defines a functional option for MCPServer
type Option func(*MCPServer)

// WithScriptExecutor enables the execute_script tool.
func WithScriptExecutor(executor ScriptExecutor) Option {
	return func(s *MCPServer) {
		s.executor = executor
	}
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, broker ToolBroker, opts ...Option) (*MCPServer, error) {
	if broker == nil {
		return nil, errors.New("tool broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MCPServer{
		config: cfg,
		logger: logger.Named("mcpserver"),
		broker: broker,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("configuration loaded",
		zap.String("config", cfg.Path),
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("mcp_servers", len(cfg.MCPServers)),
		zap.Bool("sandbox.enabled", s.executor != nil),
	)

	s.mcpServer = server.NewMCPServer("mcpexec-gateway", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerListTools()
	s.registerCallTool()
	if s.executor != nil {
		s.registerExecuteScript()
	}

	return s, nil
}

func (s *MCPServer) registerListTools() {
	tool := mcp.NewTool(ToolListTools,
		mcp.WithDescription("List every tool available through the gateway as server__tool identifiers"),
	)
	s.mcpServer.AddTool(tool, s.handleListTools)
}

func (s *MCPServer) registerCallTool() {
	tool := mcp.NewTool(ToolCallTool,
		mcp.WithDescription("Call a tool on a configured MCP server"),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Tool identifier in server__tool form"),
		),
		mcp.WithObject("params",
			mcp.Description("Arguments passed to the tool"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleCallTool)
}

func (s *MCPServer) registerExecuteScript() {
	tool := mcp.NewTool(ToolExecuteScript,
		mcp.WithDescription("Execute a script file inside the isolated container sandbox"),
		mcp.WithString("script_path",
			mcp.Required(),
			mcp.Description("Path of the script on the gateway host"),
		),
		mcp.WithNumber("timeout_sec",
			mcp.Description("Timeout override in seconds, bounded by the sandbox maximum"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleExecuteScript)
}

type listedTool struct {
	Identifier string `json:"identifier"`
	mcpclient.ToolDescriptor
}

func (s *MCPServer) handleListTools(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools, err := s.broker.ListAllTools(ctx)
	if err != nil {
		s.logger.Error("listing tools failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("listing tools failed: %v", err)), nil
	}

	listed := make([]listedTool, 0, len(tools))
	for _, tool := range tools {
		listed = append(listed, listedTool{Identifier: tool.Identifier(), ToolDescriptor: tool})
	}
	return jsonResult(listed)
}

func (s *MCPServer) handleCallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identifier, err := request.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var params map[string]any
	if raw, ok := request.GetArguments()["params"]; ok && raw != nil {
		params, ok = raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("params must be an object"), nil
		}
	}

	s.logger.Debug("tool call requested", zap.String("tool", identifier))

	value, err := s.broker.CallTool(ctx, identifier, params)
	if err != nil {
		s.logger.Warn("tool call failed", zap.String("tool", identifier), zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}

	if text, ok := value.(string); ok {
		return mcp.NewToolResultText(text), nil
	}
	return jsonResult(value)
}

func (s *MCPServer) handleExecuteScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scriptPath, err := request.RequireString("script_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := request.GetInt("timeout_sec", 0)

	s.logger.Info("script execution requested",
		zap.String("script", scriptPath),
		zap.Int("timeout_sec", timeout),
	)

	result, err := s.executor.ExecuteScript(ctx, scriptPath, sandbox.ExecuteOptions{
		ConfigPath:     s.config.Path,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		s.logger.Error("sandbox execution failed", zap.String("script", scriptPath), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("script execution completed",
		zap.String("script", scriptPath),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timeout", result.TimeoutOccurred),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)),
	)
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Handler returns an HTTP handler serving the streamable HTTP transport at
// EndpointPath.
func (s *MCPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(EndpointPath, server.NewStreamableHTTPServer(s.mcpServer))
	return mux
}

// ServeHTTP listens on the configured port and serves until Shutdown.
func (s *MCPServer) ServeHTTP() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve serves the streamable HTTP transport on l until Shutdown.
func (s *MCPServer) Serve(l net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return l.Close()
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("starting MCP server on HTTP", zap.String("address", l.Addr().String()))
	if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server. A later Serve returns immediately.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

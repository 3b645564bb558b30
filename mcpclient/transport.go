package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// DefaultHandshakeTimeout bounds the MCP initialize exchange.
const DefaultHandshakeTimeout = 30 * time.Second

// Session is a live, initialized connection to one tool server.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// Connector opens sessions for server definitions.
type Connector interface {
	Connect(ctx context.Context, def ServerDefinition) (Session, error)
}

// ClientFactory builds an unstarted mcp-go client for a definition.
type ClientFactory func(def ServerDefinition) (*client.Client, error)

// TransportConnector connects through the mcp-go stdio, SSE and streamable HTTP clients.
type TransportConnector struct {
	logger           *zap.Logger
	newClient        ClientFactory
	handshakeTimeout time.Duration
	clientInfo       mcp.Implementation
}

// ConnectorOption defines a functional option for TransportConnector
type ConnectorOption func(*TransportConnector)

// WithClientFactory replaces the transport selection, e.g. with an in-process client.
func WithClientFactory(f ClientFactory) ConnectorOption {
	return func(c *TransportConnector) {
		c.newClient = f
	}
}

// WithHandshakeTimeout sets the initialize timeout.
func WithHandshakeTimeout(d time.Duration) ConnectorOption {
	return func(c *TransportConnector) {
		c.handshakeTimeout = d
	}
}

// NewConnector creates a TransportConnector with the default transports.
func NewConnector(logger *zap.Logger, opts ...ConnectorOption) *TransportConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &TransportConnector{
		logger:           logger,
		newClient:        newTransportClient,
		handshakeTimeout: DefaultHandshakeTimeout,
		clientInfo: mcp.Implementation{
			Name:    "mcpexec",
			Version: "0.1.0",
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newTransportClient(def ServerDefinition) (*client.Client, error) {
	switch def.Transport {
	case TransportStdio:
		// spawns the server process immediately
		return client.NewStdioMCPClient(def.Command, def.envList(), def.Args...)
	case TransportSSE:
		return client.NewSSEMCPClient(def.URL, transport.WithHeaders(def.Headers))
	case TransportHTTP:
		return client.NewStreamableHttpClient(def.URL, transport.WithHTTPHeaders(def.Headers))
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", def.Transport)
	}
}

// Connect starts the transport and performs the MCP handshake. Anything
// acquired before a failure is released before the error is returned.
func (c *TransportConnector) Connect(ctx context.Context, def ServerDefinition) (Session, error) {
	stack := newReleaseStack(c.logger.With(zap.String("server", def.Name)))

	// The transport outlives the call that triggered the connect.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stack.push("transport context", func() error {
		cancel()
		return nil
	})

	mcpClient, err := c.newClient(def)
	if err != nil {
		_ = stack.release()
		return nil, fmt.Errorf("failed to create %s client: %w", def.Transport, err)
	}
	stack.push("mcp client", mcpClient.Close)

	if err := mcpClient.Start(connCtx); err != nil {
		_ = stack.release()
		return nil, fmt.Errorf("failed to start %s transport: %w", def.Transport, err)
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer handshakeCancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = c.clientInfo
	if _, err := mcpClient.Initialize(handshakeCtx, initReq); err != nil {
		_ = stack.release()
		return nil, fmt.Errorf("initialize request failed: %w", err)
	}

	return &clientSession{client: mcpClient, stack: stack}, nil
}

// clientSession adapts an initialized mcp-go client to Session.
type clientSession struct {
	client *client.Client
	stack  *releaseStack
}

func (s *clientSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools []mcp.Tool
		req   mcp.ListToolsRequest
	)
	for {
		result, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list tools: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" || result.NextCursor == req.Params.Cursor {
			return tools, nil
		}
		req.Params.Cursor = result.NextCursor
	}
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.client.CallTool(ctx, req)
}

func (s *clientSession) Close() error {
	return s.stack.release()
}

// ToolDescriptor describes one tool exposed by a server.
type ToolDescriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Identifier returns the namespaced "server__tool" form.
func (t ToolDescriptor) Identifier() string {
	return t.Server + ToolSeparator + t.Name
}

func newToolDescriptor(server string, tool mcp.Tool) ToolDescriptor {
	schema := tool.RawInputSchema
	if len(schema) == 0 {
		// A schema that cannot be marshaled is left empty; the tool is still callable.
		schema, _ = json.Marshal(tool.InputSchema)
	}
	return ToolDescriptor{
		Server:      server,
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}
}

package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// maxParallelConnects caps the ListAllTools fan-out.
	maxParallelConnects = 8

	// DefaultConnectTimeout bounds a shared connect or tool listing.
	DefaultConnectTimeout = 2 * DefaultHandshakeTimeout
)

// Manager brokers connections to the configured tool servers.
//
// State, sessions and the tool cache are guarded by mu; network and process
// I/O runs outside it so calls to different servers proceed concurrently.
// Concurrent first calls to the same server share one connect.
type Manager struct {
	logger         *zap.Logger
	connector      Connector
	connectTimeout time.Duration

	mu          sync.Mutex
	state       ConnectionState
	generation  uint64
	definitions map[string]ServerDefinition
	sessions    map[string]Session
	order       []string // acquisition order
	toolCache   map[string][]ToolDescriptor

	connects singleflight.Group
	listings singleflight.Group
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithConnector sets the Connector used to open sessions.
func WithConnector(c Connector) Option {
	return func(m *Manager) {
		m.connector = c
	}
}

// WithConnectTimeout bounds each shared connect and tool listing.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// New creates an uninitialized Manager.
func New(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:         logger.Named("mcpclient"),
		connectTimeout: DefaultConnectTimeout,
		sessions:       make(map[string]Session),
		toolCache:      make(map[string][]ToolDescriptor),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.connector == nil {
		m.connector = NewConnector(m.logger)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectedServers returns the names of servers with a live session, in
// acquisition order.
func (m *Manager) ConnectedServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Initialize loads the server definitions. No connection is opened.
func (m *Manager) Initialize(defs []ServerDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return configErrorf("cannot initialize: manager is in state %q, but requires state %q",
			m.state, StateUninitialized)
	}

	byName, err := validateDefinitions(defs)
	if err != nil {
		return err
	}

	enabled := 0
	for _, d := range byName {
		if d.Enabled {
			enabled++
		}
	}

	m.definitions = byName
	m.state = StateInitialized
	m.logger.Info("configuration loaded",
		zap.Int("servers", len(byName)),
		zap.Int("enabled", enabled))
	m.logger.Debug("state transition", zap.Stringer("from", StateUninitialized), zap.Stringer("to", StateInitialized))

	return nil
}

// requireInitialized must be called with mu held.
func (m *Manager) requireInitialized(operation string) error {
	if m.state < StateInitialized {
		return configErrorf("cannot %s: manager is in state %q, but requires at least state %q",
			operation, m.state, StateInitialized)
	}
	return nil
}

// CallTool invokes "server__tool" with params and returns the normalized result.
func (m *Manager) CallTool(ctx context.Context, identifier string, params map[string]any) (any, error) {
	m.mu.Lock()
	if err := m.requireInitialized("call tool"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	serverName, toolName, err := ParseToolIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	def, err := m.lookupServer(serverName)
	if err != nil {
		return nil, err
	}

	session, gen, err := m.session(ctx, def)
	if err != nil {
		return nil, err
	}

	tools, err := m.serverTools(ctx, def.Name, session, gen)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tools))
	found := false
	for _, t := range tools {
		names = append(names, t.Name)
		if t.Name == toolName {
			found = true
		}
	}
	if !found {
		return nil, notFoundErrorf("tool %q not found on server %q, available tools: %v", toolName, serverName, names)
	}

	m.logger.Info("executing tool", zap.String("tool", identifier))
	m.logger.Debug("tool parameters", zap.String("tool", identifier), zap.Any("params", params))

	start := time.Now()
	result, err := session.CallTool(ctx, toolName, params)
	if err == nil && result == nil {
		err = errors.New("server returned an empty result")
	}
	if err == nil && result.IsError {
		err = errors.New(errorText(result))
	}
	recordToolCall(serverName, time.Since(start).Seconds(), err)
	if err != nil {
		m.logger.Error("tool execution failed", zap.String("tool", identifier), zap.Error(err))
		return nil, &ToolExecutionError{Identifier: identifier, Err: err}
	}

	decoded, err := decodeResult(result)
	if err != nil {
		return nil, &ToolExecutionError{Identifier: identifier, Err: err}
	}

	value := Normalize(decoded)
	m.logger.Debug("tool execution result", zap.String("tool", identifier), zap.Any("result", value))
	return value, nil
}

func (m *Manager) lookupServer(name string) (ServerDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[name]
	if !ok {
		return ServerDefinition{}, notFoundErrorf("server %q not found in configuration, available servers: %v",
			name, slices.Sorted(maps.Keys(m.definitions)))
	}
	if !def.Enabled {
		return ServerDefinition{}, notFoundErrorf("server %q is disabled in configuration", name)
	}
	return def, nil
}

// session returns the live session for def, connecting on first use. The
// returned generation identifies the lifetime the session belongs to.
//
// The connect itself is shared and detached from ctx: a caller that gives up
// only stops waiting, the other callers still get the session.
func (m *Manager) session(ctx context.Context, def ServerDefinition) (Session, uint64, error) {
	m.mu.Lock()
	gen := m.generation
	if s, ok := m.sessions[def.Name]; ok {
		m.mu.Unlock()
		return s, gen, nil
	}
	m.mu.Unlock()

	m.logger.Debug("lazy connecting to server", zap.String("server", def.Name))
	ch := m.connects.DoChan(flightKey(gen, def.Name), func() (any, error) {
		connectCtx, cancel := m.sharedContext(ctx)
		defer cancel()
		return m.connect(connectCtx, def, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, gen, res.Err
		}
		if res.Shared {
			m.logger.Debug("joined in-flight connection", zap.String("server", def.Name))
		}
		return res.Val.(Session), gen, nil
	case <-ctx.Done():
		return nil, gen, &ServerConnectionError{Server: def.Name, Err: ctx.Err()}
	}
}

// sharedContext derives the context for work shared between callers. It keeps
// ctx's values but not its cancellation.
func (m *Manager) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
}

func (m *Manager) connect(ctx context.Context, def ServerDefinition, gen uint64) (Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[def.Name]; ok && m.generation == gen {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	m.logger.Info("connecting to MCP server",
		zap.String("server", def.Name),
		zap.String("transport", string(def.Transport)))

	session, err := m.connector.Connect(ctx, def)
	recordConnect(def.Name, err)
	if err != nil {
		m.logger.Error("failed to connect to server", zap.String("server", def.Name), zap.Error(err))
		return nil, &ServerConnectionError{Server: def.Name, Err: err}
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		if closeErr := session.Close(); closeErr != nil {
			m.logger.Warn("failed to close stale session", zap.String("server", def.Name), zap.Error(closeErr))
		}
		return nil, configErrorf("manager was cleaned up while connecting to server %q", def.Name)
	}
	m.sessions[def.Name] = session
	m.order = append(m.order, def.Name)
	if m.state == StateInitialized {
		m.state = StateConnected
		m.logger.Debug("state transition", zap.Stringer("from", StateInitialized), zap.Stringer("to", StateConnected))
	}
	m.mu.Unlock()

	m.logger.Info("successfully connected to server", zap.String("server", def.Name))
	return session, nil
}

// serverTools returns the cached tool list for a server, fetching it once.
func (m *Manager) serverTools(ctx context.Context, server string, session Session, gen uint64) ([]ToolDescriptor, error) {
	if tools, ok := m.cachedTools(server); ok {
		m.logger.Debug("using cached tools", zap.String("server", server))
		return tools, nil
	}

	ch := m.listings.DoChan(flightKey(gen, server), func() (any, error) {
		if tools, ok := m.cachedTools(server); ok {
			return tools, nil
		}

		listCtx, cancel := m.sharedContext(ctx)
		defer cancel()
		listed, err := session.ListTools(listCtx)
		if err != nil {
			m.logger.Error("failed to list tools", zap.String("server", server), zap.Error(err))
			return nil, &ServerConnectionError{Server: server, Err: fmt.Errorf("could not list tools: %w", err)}
		}

		tools := make([]ToolDescriptor, 0, len(listed))
		for _, t := range listed {
			tools = append(tools, newToolDescriptor(server, t))
		}

		m.mu.Lock()
		if m.generation == gen {
			m.toolCache[server] = tools
		}
		m.mu.Unlock()

		m.logger.Debug("cached tools", zap.String("server", server), zap.Int("count", len(tools)))
		return tools, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]ToolDescriptor), nil
	case <-ctx.Done():
		return nil, &ServerConnectionError{Server: server, Err: fmt.Errorf("could not list tools: %w", ctx.Err())}
	}
}

func (m *Manager) cachedTools(server string) ([]ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tools, ok := m.toolCache[server]
	return tools, ok
}

// ListAllTools connects to every enabled server and returns all their tools.
// A failing server is logged and skipped.
func (m *Manager) ListAllTools(ctx context.Context) ([]ToolDescriptor, error) {
	m.mu.Lock()
	if err := m.requireInitialized("list all tools"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	var enabled []ServerDefinition
	for _, name := range slices.Sorted(maps.Keys(m.definitions)) {
		if d := m.definitions[name]; d.Enabled {
			enabled = append(enabled, d)
		}
	}
	m.mu.Unlock()

	all := []ToolDescriptor{}
	if len(enabled) == 0 {
		m.logger.Warn("no enabled servers configured")
		return all, nil
	}

	m.logger.Info("listing tools", zap.Int("servers", len(enabled)))

	perServer := make([][]ToolDescriptor, len(enabled))
	var g errgroup.Group
	g.SetLimit(maxParallelConnects)
	for i, def := range enabled {
		g.Go(func() error {
			session, gen, err := m.session(ctx, def)
			if err != nil {
				m.logger.Error("skipping server", zap.String("server", def.Name), zap.Error(err))
				return nil
			}
			tools, err := m.serverTools(ctx, def.Name, session, gen)
			if err != nil {
				m.logger.Error("skipping server", zap.String("server", def.Name), zap.Error(err))
				return nil
			}
			perServer[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	for _, tools := range perServer {
		all = append(all, tools...)
	}
	m.logger.Info("total tools available", zap.Int("count", len(all)))
	return all, nil
}

// Cleanup closes every session in reverse acquisition order, clears the
// cache and definitions, and returns the manager to StateUninitialized.
// Close failures are logged and returned together; they never stop the
// remaining sessions from closing.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	order := m.order
	sessions := m.sessions
	m.sessions = make(map[string]Session)
	m.order = nil
	m.toolCache = make(map[string][]ToolDescriptor)
	m.definitions = nil
	m.generation++
	previous := m.state
	m.state = StateUninitialized
	m.mu.Unlock()

	m.logger.Info("cleaning up MCP client manager", zap.Int("sessions", len(order)))

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := sessions[name].Close(); err != nil {
			if isShutdownRace(err) {
				m.logger.Debug("ignoring shutdown race during cleanup", zap.String("server", name), zap.Error(err))
				continue
			}
			m.logger.Error("error closing session", zap.String("server", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("close session %q: %w", name, err))
			continue
		}
		m.logger.Debug("closed session", zap.String("server", name))
	}

	m.logger.Debug("state transition", zap.Stringer("from", previous), zap.Stringer("to", StateUninitialized))
	m.logger.Info("cleanup complete")
	return errs
}

func flightKey(gen uint64, server string) string {
	return strconv.FormatUint(gen, 10) + "/" + server
}

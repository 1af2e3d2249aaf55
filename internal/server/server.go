// Package server exposes the five meta-tools over an MCP session. Each
// client gets one SessionServer, backed by the shared cataloger and
// retriever.
package server

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/policy"
	"mcpsquared-go/internal/retriever"
	"mcpsquared-go/internal/upstream/types"
)

// Cataloger is the slice of the upstream manager the session server
// needs: forwarding calls and reporting fleet state.
type Cataloger interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Snapshot() map[string]types.ConnectionInfo
	Conflicts() map[string][]string
}

// CallRecorder receives per-call counters. Nil recorders are allowed.
type CallRecorder interface {
	RecordRequest(tool string, success bool)
	RecordToolCall(qualifiedName string, success bool)
	RecordSuggestionLookup(hit bool)
}

// SessionServer serves the meta-tool surface for connected clients.
type SessionServer struct {
	server    *mcpserver.MCPServer
	retriever *retriever.Retriever
	cataloger Cataloger
	policy    *policy.Engine
	cfg       *config.Config
	sessions  *SessionStore
	recorder  CallRecorder
	logger    *zap.Logger
}

// New builds a session server and registers the meta-tools.
func New(
	cfg *config.Config,
	version string,
	ret *retriever.Retriever,
	cataloger Cataloger,
	engine *policy.Engine,
	recorder CallRecorder,
	logger *zap.Logger,
) *SessionServer {
	sessions := NewSessionStore(logger)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, sess mcpserver.ClientSession) {
		sessionID := sess.SessionID()
		var clientName, clientVersion string
		if withInfo, ok := sess.(mcpserver.SessionWithClientInfo); ok {
			info := withInfo.GetClientInfo()
			clientName = info.Name
			clientVersion = info.Version
		}
		sessions.SetSession(sessionID, clientName, clientVersion)
		logger.Info("Session registered",
			zap.String("session_id", sessionID),
			zap.String("client_name", clientName),
			zap.String("client_version", clientVersion))
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, sess mcpserver.ClientSession) {
		sessions.RemoveSession(sess.SessionID())
		logger.Info("Session closed", zap.String("session_id", sess.SessionID()))
	})

	if version == "" {
		version = "dev"
	}
	mcpServer := mcpserver.NewMCPServer(
		"mcp-squared",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	s := &SessionServer{
		server:    mcpServer,
		retriever: ret,
		cataloger: cataloger,
		policy:    engine,
		cfg:       cfg,
		sessions:  sessions,
		recorder:  recorder,
		logger:    logger.Named("session"),
	}
	s.registerTools()
	return s
}

// MCPServer exposes the underlying mcp-go server for transport wiring.
func (s *SessionServer) MCPServer() *mcpserver.MCPServer {
	return s.server
}

// Sessions exposes the session store for the monitor surface.
func (s *SessionServer) Sessions() *SessionStore {
	return s.sessions
}

// ServeStdio blocks serving the session over stdin/stdout.
func (s *SessionServer) ServeStdio() error {
	return mcpserver.ServeStdio(s.server)
}

// HandleMessage routes one raw JSON-RPC message through the server. The
// daemon uses this to multiplex proxied sessions.
func (s *SessionServer) HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	return s.server.HandleMessage(ctx, raw)
}

// registerTools declares the complete meta-tool surface. Exactly these
// five tools are advertised to clients.
func (s *SessionServer) registerTools() {
	findTools := mcp.NewTool("find_tools",
		mcp.WithDescription("Search the catalog of all upstream MCP tools. Call this first to discover which tools exist, then use execute to invoke them. Use natural language for the query (e.g. 'create a git branch', 'query the users table')."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language description of what you want to accomplish."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tools to return (default from configuration)."),
		),
		mcp.WithString("mode",
			mcp.Description("Search mode: fast (full-text), semantic (vector), or hybrid."),
		),
		mcp.WithString("detailLevel",
			mcp.Description("Result verbosity: L0 (names only), L1 (adds descriptions), L2 (adds input schemas)."),
		),
	)
	s.server.AddTool(findTools, s.instrument("find_tools", s.handleFindTools))

	describeTools := mcp.NewTool("describe_tools",
		mcp.WithDescription("Fetch full definitions, including input schemas, for tools discovered via find_tools. Accepts bare or qualified ('upstream:tool') names."),
		mcp.WithString("names",
			mcp.Required(),
			mcp.Description("Tool names to describe, as a JSON array of strings or a comma-separated list."),
		),
	)
	s.server.AddTool(describeTools, s.instrument("describe_tools", s.handleDescribeTools))

	execute := mcp.NewTool("execute",
		mcp.WithDescription("Invoke an upstream tool by name. Use the exact name from find_tools results ('upstream:tool'). If the reply carries requires_confirmation, repeat the call with the provided confirmation_token."),
		mcp.WithString("tool_name",
			mcp.Required(),
			mcp.Description("Tool name, bare or qualified as 'upstream:tool'."),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments forwarded verbatim to the upstream tool."),
		),
		mcp.WithString("confirmation_token",
			mcp.Description("Single-use token from a prior requires_confirmation reply."),
		),
	)
	s.server.AddTool(execute, s.instrument("execute", s.handleExecute))

	listNamespaces := mcp.NewTool("list_namespaces",
		mcp.WithDescription("Report every configured upstream with its connection status, server info, and tool count, plus tool names that exist on more than one upstream."),
	)
	s.server.AddTool(listNamespaces, s.instrument("list_namespaces", s.handleListNamespaces))

	clearCache := mcp.NewTool("clear_selection_cache",
		mcp.WithDescription("Reset the co-occurrence counters that drive bundle suggestions. Returns the number of pairs cleared."),
	)
	s.server.AddTool(clearCache, s.instrument("clear_selection_cache", s.handleClearSelectionCache))
}

// sessionID extracts the MCP session id from the request context; empty
// when serving a bare stdio session without registration hooks.
func (s *SessionServer) sessionID(ctx context.Context) string {
	if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	return ""
}

// instrument wraps a handler with the per-request counter. A result
// flagged IsError counts as a failed request.
func (s *SessionServer) instrument(tool string, handler mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	if s.recorder == nil {
		return handler
	}
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := handler(ctx, request)
		success := err == nil && (result == nil || !result.IsError)
		s.recorder.RecordRequest(tool, success)
		return result, err
	}
}

func (s *SessionServer) recordToolCall(qualifiedName string, success bool) {
	if s.recorder != nil {
		s.recorder.RecordToolCall(qualifiedName, success)
	}
}

func (s *SessionServer) recordSuggestionLookup(hit bool) {
	if s.recorder != nil {
		s.recorder.RecordSuggestionLookup(hit)
	}
}

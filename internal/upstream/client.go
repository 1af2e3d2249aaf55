// Package upstream dials and supervises the fleet of upstream MCP
// servers and forwards tool calls to them.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/oauth"
	"mcpsquared-go/internal/sanitize"
	"mcpsquared-go/internal/secret"
	"mcpsquared-go/internal/transport"
	"mcpsquared-go/internal/upstream/types"
)

// nameSanitizer coerces advertised tool names into the canonical form
// used throughout the catalog and the index.
var nameSanitizer = sanitize.New(0)

const (
	// HandshakeTimeout bounds the MCP initialize exchange.
	HandshakeTimeout = 30 * time.Second
	// termGrace is how long a child gets after SIGTERM before SIGKILL.
	termGrace = 5 * time.Second
	// killWait bounds the post-SIGKILL exit wait.
	killWait = 2 * time.Second
)

// Client owns one upstream connection over either transport variant.
type Client struct {
	key      string
	cfg      *config.UpstreamConfig
	state    *types.StateManager
	resolver *secret.Resolver
	provider *oauth.Provider
	logger   *zap.Logger

	mcpClient *client.Client
	stdio     *transport.StdioClient
}

// NewClient builds an unconnected client for one configured upstream.
func NewClient(key string, cfg *config.UpstreamConfig, resolver *secret.Resolver, provider *oauth.Provider, logger *zap.Logger) *Client {
	kind := types.TransportStdio
	if cfg.IsHTTP() {
		kind = types.TransportHTTP
	}
	return &Client{
		key:      key,
		cfg:      cfg,
		state:    types.NewStateManager(kind),
		resolver: resolver,
		provider: provider,
		logger:   logger.Named("upstream").With(zap.String("upstream", key)),
	}
}

// Key returns the upstream's config key.
func (c *Client) Key() string { return c.key }

// State returns the current connection state.
func (c *Client) State() types.ConnectionState { return c.state.State() }

// Info returns a point-in-time connection snapshot.
func (c *Client) Info() types.ConnectionInfo { return c.state.Info() }

// Connect dials the upstream and completes the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.state.Transition(types.StateConnecting)

	var err error
	if c.cfg.IsSubprocess() {
		err = c.connectStdio(ctx)
	} else {
		err = c.connectHTTP(ctx)
	}
	if err != nil {
		c.state.TransitionError(err)
		return err
	}
	c.state.Transition(types.StateConnected)
	return nil
}

func (c *Client) connectStdio(ctx context.Context) error {
	env, err := c.resolver.ExpandMap(c.cfg.Env)
	if err != nil {
		return &DialError{UpstreamKey: c.key, Code: CodeDialFailed,
			Err: fmt.Errorf("environment expansion failed: %w", err)}
	}

	stdio := transport.CreateStdioClient(&transport.StdioConfig{
		Command:    c.cfg.Command,
		Args:       c.cfg.Args,
		WorkingDir: c.cfg.WorkingDir,
		Env:        env,
	})

	// The child must outlive the dial context.
	if err := stdio.Client.Start(context.Background()); err != nil {
		return c.classifyStdioError(err)
	}
	c.stdio = stdio
	c.mcpClient = stdio.Client

	if stderr := stdio.Stderr(); stderr != nil {
		go c.drainStderr(stderr)
	}

	if err := c.initialize(ctx); err != nil {
		c.teardownStdio()
		return c.classifyStdioError(err)
	}
	return nil
}

func (c *Client) connectHTTP(ctx context.Context) error {
	headers, err := c.resolver.ExpandMap(c.cfg.Headers)
	if err != nil {
		return &DialError{UpstreamKey: c.key, Code: CodeDialFailed,
			Err: fmt.Errorf("header expansion failed: %w", err)}
	}

	httpCfg := &transport.HTTPConfig{URL: c.cfg.URL, Headers: headers}
	if c.cfg.Auth != nil && c.cfg.Auth.Enabled && c.provider != nil {
		oauthConfig := c.provider.ClientConfig(c.key, c.cfg.Auth)
		httpCfg.OAuthConfig = &oauthConfig
	}

	mcpClient, err := transport.CreateHTTPClient(httpCfg)
	if err != nil {
		return &DialError{UpstreamKey: c.key, Code: CodeDialFailed, Err: err}
	}
	c.mcpClient = mcpClient

	if err := mcpClient.Start(ctx); err != nil {
		c.mcpClient = nil
		return c.classifyHTTPError(err)
	}
	if err := c.initialize(ctx); err != nil {
		if c.isUnauthorized(err) {
			return c.handleUnauthorized(ctx, err)
		}
		mcpClient.Close()
		c.mcpClient = nil
		return c.classifyHTTPError(err)
	}
	return nil
}

// handleUnauthorized drives the interactive flow when permitted and
// retries the connect once; otherwise it parks the upstream in the
// auth-pending error state.
func (c *Client) handleUnauthorized(ctx context.Context, cause error) error {
	if c.mcpClient != nil {
		c.mcpClient.Close()
		c.mcpClient = nil
	}

	if c.provider != nil && c.provider.Interactive() && client.IsOAuthAuthorizationRequiredError(cause) {
		if err := c.provider.Authorize(ctx, c.key, c.cfg.Auth, cause); err != nil {
			c.markAuthPending()
			return &DialError{UpstreamKey: c.key, Code: CodeUnauthorized, Err: err}
		}
		// One retry with the fresh credentials.
		return c.connectHTTP(ctx)
	}

	c.markAuthPending()
	return &DialError{UpstreamKey: c.key, Code: CodeUnauthorized,
		Err: fmt.Errorf("OAuth authorization required; run auth subcommand for %s", c.key)}
}

func (c *Client) markAuthPending() {
	version := uint64(0)
	if c.provider != nil {
		version = c.provider.Store().Version(c.key)
	}
	c.state.SetAuthPending(true, version)
}

func (c *Client) initialize(ctx context.Context) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "mcp-squared", Version: "1.0.0"}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := c.mcpClient.Initialize(handshakeCtx, initRequest)
	if err != nil {
		return err
	}
	c.state.SetServerInfo(serverInfo.ServerInfo.Name, serverInfo.ServerInfo.Version)
	c.logger.Info("Connected",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))
	return nil
}

// ListTools fetches the upstream's current tool list.
func (c *Client) ListTools(ctx context.Context) ([]types.CatalogedTool, error) {
	if c.state.State() != types.StateConnected || c.mcpClient == nil {
		return nil, &NotConnectedError{UpstreamKey: c.key, State: c.state.State()}
	}

	result, err := c.mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if c.isUnauthorized(err) {
			c.markAuthPending()
			c.state.TransitionError(err)
			return nil, &DialError{UpstreamKey: c.key, Code: CodeUnauthorized, Err: err}
		}
		return nil, fmt.Errorf("list_tools failed for %s: %w", c.key, err)
	}

	tools := make([]types.CatalogedTool, 0, len(result.Tools))
	for i := range result.Tools {
		tool := &result.Tools[i]
		schema, err := tool.InputSchema.MarshalJSON()
		if err != nil {
			schema = nil
		}
		cataloged := types.CatalogedTool{
			UpstreamKey: c.key,
			ToolName:    nameSanitizer.ToolName(tool.Name),
			Description: tool.Description,
			InputSchema: schema,
		}
		if cataloged.ToolName != tool.Name {
			cataloged.OriginalName = tool.Name
		}
		tools = append(tools, cataloged)
	}
	c.state.SetToolCount(len(tools))
	return tools, nil
}

// CallTool forwards one tool call and returns the upstream's content
// verbatim.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if c.state.State() != types.StateConnected || c.mcpClient == nil {
		return nil, &NotConnectedError{UpstreamKey: c.key, State: c.state.State()}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	result, err := c.mcpClient.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("call_tool %s failed for %s: %w", toolName, c.key, err)
	}
	return result, nil
}

// Close tears the connection down. Subprocess children get SIGTERM with
// a grace period, then SIGKILL, and the exit is awaited.
func (c *Client) Close() error {
	defer c.state.Transition(types.StateDisconnected)

	if c.mcpClient != nil {
		_ = c.mcpClient.Close()
		c.mcpClient = nil
	}
	c.teardownStdio()
	return nil
}

func (c *Client) teardownStdio() {
	if c.stdio == nil {
		return
	}
	cmd := c.stdio.Cmd()
	c.stdio = nil
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = transport.SignalGroup(cmd, syscall.SIGTERM)
	if waitForExit(cmd, termGrace) {
		return
	}
	c.logger.Warn("Child ignored SIGTERM, escalating to SIGKILL",
		zap.Int("pid", cmd.Process.Pid))
	_ = transport.SignalGroup(cmd, syscall.SIGKILL)
	waitForExit(cmd, killWait)
}

// waitForExit polls for process exit without racing the transport's own
// Wait call.
func waitForExit(cmd *exec.Cmd, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cmd.ProcessState != nil {
			return true
		}
		if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

func (c *Client) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.logger.Debug("Upstream stderr", zap.String("line", line))
		}
	}
}

// classifyStdioError maps a dial failure onto the typed codes that
// distinguish a missing executable, a dead child, and a slow handshake.
func (c *Client) classifyStdioError(err error) error {
	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr), errors.Is(err, exec.ErrNotFound):
		return &DialError{UpstreamKey: c.key, Code: CodeExecutableNotFound, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &DialError{UpstreamKey: c.key, Code: CodeHandshakeTimeout,
			Err: fmt.Errorf("no handshake within %s: %w", HandshakeTimeout, err)}
	case errors.Is(err, io.EOF),
		strings.Contains(err.Error(), "broken pipe"),
		strings.Contains(err.Error(), "file already closed"),
		strings.Contains(err.Error(), "process exited"):
		return &DialError{UpstreamKey: c.key, Code: CodeChildExited,
			Err: fmt.Errorf("child exited before handshake: %w", err)}
	default:
		return &DialError{UpstreamKey: c.key, Code: CodeDialFailed, Err: err}
	}
}

func (c *Client) classifyHTTPError(err error) error {
	switch {
	case c.isUnauthorized(err):
		return &DialError{UpstreamKey: c.key, Code: CodeUnauthorized, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &DialError{UpstreamKey: c.key, Code: CodeHandshakeTimeout, Err: err}
	default:
		return &DialError{UpstreamKey: c.key, Code: CodeDialFailed, Err: err}
	}
}

func (c *Client) isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if client.IsOAuthAuthorizationRequiredError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_token")
}

package upstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/oauth"
	"mcpsquared-go/internal/secret"
	"mcpsquared-go/internal/stringutil"
	"mcpsquared-go/internal/upstream/types"
)

// ChangeListener is notified after any upstream's tool list changes.
type ChangeListener func(upstreamKey string)

// Manager is the cataloger: it keeps one client per enabled upstream,
// exposes the union of their tools, and forwards tool calls.
type Manager struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	toolLists map[string][]types.CatalogedTool

	cfg       *config.Config
	resolver  *secret.Resolver
	provider  *oauth.Provider
	logger    *zap.Logger
	listeners []ChangeListener

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// NewManager builds a cataloger over the enabled upstreams in cfg.
func NewManager(cfg *config.Config, resolver *secret.Resolver, provider *oauth.Provider, logger *zap.Logger) *Manager {
	m := &Manager{
		clients:   make(map[string]*Client),
		toolLists: make(map[string][]types.CatalogedTool),
		cfg:       cfg,
		resolver:  resolver,
		provider:  provider,
		logger:    logger.Named("cataloger"),
	}
	for key, upstream := range cfg.Upstreams {
		if upstream.IsEnabled() {
			m.clients[key] = NewClient(key, upstream, resolver, provider, logger)
		}
	}
	return m
}

// OnChange registers a listener for post-sync tool-list events.
func (m *Manager) OnChange(listener ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) notify(upstreamKey string) {
	m.mu.RLock()
	listeners := make([]ChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(upstreamKey)
	}
}

// ConnectAll dials every enabled upstream concurrently. Individual
// failures are recorded in each client's state, not returned.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			if err := c.Connect(gctx); err != nil {
				m.logger.Warn("Upstream connect failed",
					zap.String("upstream", c.Key()), zap.Error(err))
				m.clearToolList(c.Key())
				return nil
			}
			m.syncToolList(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// syncToolList pulls the tool list after a successful connect or refresh
// and emits the change event. When the list call knocked the client out
// of the connected state, the cached list is dropped instead.
func (m *Manager) syncToolList(ctx context.Context, c *Client) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		m.logger.Warn("Tool list failed",
			zap.String("upstream", c.Key()), zap.Error(err))
		if c.State() != types.StateConnected {
			m.clearToolList(c.Key())
		}
		return
	}
	m.mu.Lock()
	m.toolLists[c.Key()] = tools
	m.mu.Unlock()
	m.notify(c.Key())
}

// clearToolList drops the cached tools for an upstream that left the
// connected state and emits the change event so the index sheds the
// stale rows. A no-op when nothing was cached.
func (m *Manager) clearToolList(upstreamKey string) {
	m.mu.Lock()
	_, had := m.toolLists[upstreamKey]
	delete(m.toolLists, upstreamKey)
	m.mu.Unlock()
	if had {
		m.notify(upstreamKey)
	}
}

// RefreshTools re-syncs one upstream. Auth-pending upstreams only redial
// when the token store has advanced since the failure was recorded.
func (m *Manager) RefreshTools(ctx context.Context, upstreamKey string) error {
	m.mu.RLock()
	c, ok := m.clients[upstreamKey]
	m.mu.RUnlock()
	if !ok {
		return &UnknownUpstreamError{Key: upstreamKey}
	}

	pending, rememberedVersion := c.state.AuthPending()
	if pending {
		current := uint64(0)
		if m.provider != nil {
			current = m.provider.Store().Version(upstreamKey)
		}
		if current <= rememberedVersion {
			// Nothing changed; retrying would fail the same way.
			return nil
		}
		m.logger.Info("Credentials advanced, redialing",
			zap.String("upstream", upstreamKey))
		if err := c.Connect(ctx); err != nil {
			m.clearToolList(upstreamKey)
			return err
		}
		m.syncToolList(ctx, c)
		return nil
	}

	if c.State() != types.StateConnected {
		if err := c.Connect(ctx); err != nil {
			m.clearToolList(upstreamKey)
			return err
		}
	}
	m.syncToolList(ctx, c)
	return nil
}

// RefreshAll fans RefreshTools out across the fleet; individual failures
// do not abort the sweep.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, key := range m.UpstreamKeys() {
		if err := m.RefreshTools(ctx, key); err != nil {
			m.logger.Debug("Refresh failed",
				zap.String("upstream", key), zap.Error(err))
		}
	}
}

// StartRefresher launches the periodic refresh loop.
func (m *Manager) StartRefresher(ctx context.Context, interval time.Duration) {
	refreshCtx, cancel := context.WithCancel(ctx)
	m.refreshCancel = cancel
	m.refreshDone = make(chan struct{})

	go func() {
		defer close(m.refreshDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				m.RefreshAll(refreshCtx)
			}
		}
	}()
}

// UpstreamKeys lists the managed upstream keys, sorted.
func (m *Manager) UpstreamKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.clients))
	for key := range m.clients {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ListUpstreamTools returns the last synced tool list for one upstream.
// An upstream that is not connected has no tools, whatever was cached.
func (m *Manager) ListUpstreamTools(_ context.Context, upstreamKey string) ([]types.CatalogedTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[upstreamKey]
	if !ok {
		return nil, &UnknownUpstreamError{Key: upstreamKey}
	}
	if c.State() != types.StateConnected {
		return nil, nil
	}
	return m.toolLists[upstreamKey], nil
}

// CallTool resolves a bare or qualified name across the fleet and
// forwards the call to its owner.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	upstreamKey, toolName, err := m.resolveTool(name)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	c, ok := m.clients[upstreamKey]
	m.mu.RUnlock()
	if !ok {
		return nil, &UnknownUpstreamError{Key: upstreamKey}
	}
	if c.State() != types.StateConnected {
		return nil, &NotConnectedError{UpstreamKey: upstreamKey, State: c.State()}
	}
	return c.CallTool(ctx, m.forwardName(upstreamKey, toolName), args)
}

// forwardName maps a canonical tool name back to the name the upstream
// advertised, when sanitization changed it.
func (m *Manager) forwardName(upstreamKey, toolName string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.toolLists[upstreamKey] {
		if t.ToolName == toolName && t.OriginalName != "" {
			return t.OriginalName
		}
	}
	return toolName
}

// resolveTool applies the qualified-name rules: a colon splits the
// upstream key off; a bare name must be unique across the fleet.
func (m *Manager) resolveTool(name string) (upstreamKey, toolName string, err error) {
	if stringutil.IsQualified(name) {
		upstreamKey, toolName = stringutil.SplitQualified(name)
		return upstreamKey, toolName, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var owners []string
	for key, tools := range m.toolLists {
		if c, ok := m.clients[key]; !ok || c.State() != types.StateConnected {
			continue
		}
		for i := range tools {
			if tools[i].ToolName == name {
				owners = append(owners, key)
				break
			}
		}
	}
	switch len(owners) {
	case 0:
		return "", "", &ToolNotFoundError{Name: name}
	case 1:
		return owners[0], name, nil
	default:
		sort.Strings(owners)
		alternatives := make([]string, 0, len(owners))
		for _, o := range owners {
			alternatives = append(alternatives, stringutil.JoinQualified(o, name))
		}
		return "", "", &AmbiguousToolError{Name: name, Alternatives: alternatives}
	}
}

// Snapshot reports every upstream's connection info keyed by config key.
// Tool counts are zero for anything not currently connected.
func (m *Manager) Snapshot() map[string]types.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.ConnectionInfo, len(m.clients))
	for key, c := range m.clients {
		info := c.Info()
		info.ToolCount = 0
		if info.State == types.StateConnected {
			info.ToolCount = len(m.toolLists[key])
		}
		out[key] = info
	}
	return out
}

// Conflicts maps each bare tool name served by more than one upstream to
// its qualified names.
func (m *Manager) Conflicts() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := make(map[string][]string)
	for key, tools := range m.toolLists {
		if c, ok := m.clients[key]; !ok || c.State() != types.StateConnected {
			continue
		}
		for i := range tools {
			name := tools[i].ToolName
			owners[name] = append(owners[name], stringutil.JoinQualified(key, name))
		}
	}
	conflicts := make(map[string][]string)
	for name, qualified := range owners {
		if len(qualified) > 1 {
			sort.Strings(qualified)
			conflicts[name] = qualified
		}
	}
	return conflicts
}

// Shutdown stops the refresher and closes every client.
func (m *Manager) Shutdown() {
	if m.refreshCancel != nil {
		m.refreshCancel()
		<-m.refreshDone
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("Close failed", zap.String("upstream", key), zap.Error(err))
		}
	}
}

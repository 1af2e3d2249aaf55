package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/index"
	"mcpsquared-go/internal/policy"
	"mcpsquared-go/internal/retriever"
	"mcpsquared-go/internal/upstream/types"
)

type fakeSource struct {
	tools map[string][]types.CatalogedTool
}

func (f *fakeSource) UpstreamKeys() []string {
	keys := make([]string, 0, len(f.tools))
	for k := range f.tools {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeSource) ListUpstreamTools(_ context.Context, key string) ([]types.CatalogedTool, error) {
	return f.tools[key], nil
}

type fakeCataloger struct {
	lastTool string
	lastArgs map[string]interface{}
	result   *mcp.CallToolResult
	err      error

	snapshot  map[string]types.ConnectionInfo
	conflicts map[string][]string
}

func (f *fakeCataloger) CallTool(_ context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.lastTool = name
	f.lastArgs = args
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return mcp.NewToolResultText("upstream says hi"), nil
}

func (f *fakeCataloger) Snapshot() map[string]types.ConnectionInfo { return f.snapshot }
func (f *fakeCataloger) Conflicts() map[string][]string            { return f.conflicts }

type fakeRecorder struct {
	requests map[string]int
	calls    map[string]int
	fails    map[string]int
	lookups  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		requests: make(map[string]int),
		calls:    make(map[string]int),
		fails:    make(map[string]int),
	}
}

func (f *fakeRecorder) RecordRequest(tool string, _ bool) { f.requests[tool]++ }

func (f *fakeRecorder) RecordToolCall(name string, success bool) {
	if success {
		f.calls[name]++
	} else {
		f.fails[name]++
	}
}

func (f *fakeRecorder) RecordSuggestionLookup(bool) { f.lookups++ }

type fixture struct {
	server    *SessionServer
	cataloger *fakeCataloger
	recorder  *fakeRecorder
}

func newFixture(t *testing.T, cfg *config.Config, tools map[string][]types.CatalogedTool) *fixture {
	t.Helper()

	store, err := index.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := &fakeSource{tools: tools}
	ret := retriever.New(store, source, nil, cfg.Operations.FindTools, zap.NewNop())
	_, err = ret.SyncFromCataloger(context.Background())
	require.NoError(t, err)

	allow, block, confirm := cfg.PolicyLists()
	engine, err := policy.NewEngine(policy.Lists{Allow: allow, Block: block, Confirm: confirm},
		time.Minute, zap.NewNop())
	require.NoError(t, err)

	cataloger := &fakeCataloger{
		snapshot:  make(map[string]types.ConnectionInfo),
		conflicts: make(map[string][]string),
	}
	recorder := newFakeRecorder()
	srv := New(cfg, "test", ret, cataloger, engine, recorder, zap.NewNop())
	return &fixture{server: srv, cataloger: cataloger, recorder: recorder}
}

func permissiveConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.Tools = &config.ToolPolicyConfig{Allow: []string{"*:*"}}
	return cfg
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	return payload
}

func defaultTools() map[string][]types.CatalogedTool {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	return map[string][]types.CatalogedTool{
		"fs": {
			{ToolName: "read_file", Description: "Read a file from disk", InputSchema: schema},
			{ToolName: "delete_file", Description: "Delete a file", InputSchema: schema},
		},
		"github": {
			{ToolName: "create_issue", Description: "Open a GitHub issue", InputSchema: schema},
		},
	}
}

func TestFindToolsReturnsRankedRows(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	result, err := f.server.handleFindTools(context.Background(),
		callRequest("find_tools", map[string]interface{}{"query": "read file"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := resultJSON(t, result)
	assert.Equal(t, "read file", payload["query"])
	tools := payload["tools"].([]interface{})
	require.NotEmpty(t, tools)
	first := tools[0].(map[string]interface{})
	assert.Equal(t, "fs:read_file", first["name"])
	assert.Equal(t, "fs", first["upstreamKey"])
}

func TestInstrumentedHandlerCountsRequests(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	wrapped := f.server.instrument("find_tools", f.server.handleFindTools)
	_, err := wrapped(context.Background(),
		callRequest("find_tools", map[string]interface{}{"query": "read file"}))
	require.NoError(t, err)
	assert.Equal(t, 1, f.recorder.requests["find_tools"])
}

func TestFindToolsHidesBlockedTools(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.Tools = &config.ToolPolicyConfig{
		Allow: []string{"*:*"},
		Block: []string{"fs:delete_file"},
	}
	f := newFixture(t, cfg, defaultTools())

	result, err := f.server.handleFindTools(context.Background(),
		callRequest("find_tools", map[string]interface{}{"query": "file"}))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	for _, raw := range payload["tools"].([]interface{}) {
		row := raw.(map[string]interface{})
		assert.NotEqual(t, "fs:delete_file", row["name"])
	}
}

func TestFindToolsFlagsConfirmListedTools(t *testing.T) {
	cfg := config.DefaultConfig() // hardened default: confirm *:*
	f := newFixture(t, cfg, defaultTools())

	result, err := f.server.handleFindTools(context.Background(),
		callRequest("find_tools", map[string]interface{}{"query": "read file"}))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	tools := payload["tools"].([]interface{})
	require.NotEmpty(t, tools)
	for _, raw := range tools {
		row := raw.(map[string]interface{})
		assert.Equal(t, true, row["requiresConfirmation"])
	}
}

func TestFindToolsDetailLevels(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	tests := []struct {
		level      string
		wantDesc   bool
		wantSchema bool
	}{
		{config.DetailL0, false, false},
		{config.DetailL1, true, false},
		{config.DetailL2, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			result, err := f.server.handleFindTools(context.Background(),
				callRequest("find_tools", map[string]interface{}{
					"query":       "read file",
					"detailLevel": tt.level,
				}))
			require.NoError(t, err)

			payload := resultJSON(t, result)
			tools := payload["tools"].([]interface{})
			require.NotEmpty(t, tools)
			row := tools[0].(map[string]interface{})
			_, hasDesc := row["description"]
			_, hasSchema := row["inputSchema"]
			assert.Equal(t, tt.wantDesc, hasDesc)
			assert.Equal(t, tt.wantSchema, hasSchema)
		})
	}
}

func TestFindToolsMissingQuery(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	result, err := f.server.handleFindTools(context.Background(),
		callRequest("find_tools", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDescribeToolsResolvesAndReportsAmbiguity(t *testing.T) {
	tools := defaultTools()
	tools["github"] = append(tools["github"],
		types.CatalogedTool{ToolName: "read_file", Description: "Read a repo file"})
	f := newFixture(t, permissiveConfig(), tools)

	result, err := f.server.handleDescribeTools(context.Background(),
		callRequest("describe_tools", map[string]interface{}{
			"names": []interface{}{"fs:delete_file", "read_file"},
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := resultJSON(t, result)
	described := payload["tools"].([]interface{})
	require.Len(t, described, 1)
	assert.Equal(t, "fs:delete_file", described[0].(map[string]interface{})["name"])

	ambiguous := payload["ambiguous"].([]interface{})
	require.Len(t, ambiguous, 1)
	entry := ambiguous[0].(map[string]interface{})
	assert.Equal(t, "read_file", entry["name"])
	alternatives := entry["alternatives"].([]interface{})
	assert.ElementsMatch(t, []interface{}{"fs:read_file", "github:read_file"}, alternatives)
}

func TestDescribeToolsOmitsHiddenSilently(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.Tools = &config.ToolPolicyConfig{
		Allow: []string{"*:*"},
		Block: []string{"fs:delete_file"},
	}
	f := newFixture(t, cfg, defaultTools())

	result, err := f.server.handleDescribeTools(context.Background(),
		callRequest("describe_tools", map[string]interface{}{
			"names": []interface{}{"fs:delete_file", "fs:read_file"},
		}))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	described := payload["tools"].([]interface{})
	require.Len(t, described, 1)
	assert.Equal(t, "fs:read_file", described[0].(map[string]interface{})["name"])
}

func TestDescribeToolsAcceptsCommaSeparatedString(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	result, err := f.server.handleDescribeTools(context.Background(),
		callRequest("describe_tools", map[string]interface{}{
			"names": "fs:read_file, github:create_issue",
		}))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	assert.Len(t, payload["tools"].([]interface{}), 2)
}

func TestExecuteAllowForwardsVerbatim(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())

	result, err := f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{
			"tool_name": "fs:read_file",
			"arguments": map[string]interface{}{"path": "/etc/hosts"},
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "fs:read_file", f.cataloger.lastTool)
	assert.Equal(t, "/etc/hosts", f.cataloger.lastArgs["path"])
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "upstream says hi", text.Text)
	assert.Equal(t, 1, f.recorder.calls["fs:read_file"])
}

func TestExecuteBlockedReturnsErrorPayload(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.Tools = &config.ToolPolicyConfig{
		Allow: []string{"*:*"},
		Block: []string{"fs:delete_file"},
	}
	f := newFixture(t, cfg, defaultTools())

	result, err := f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{"tool_name": "fs:delete_file"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, true, payload["blocked"])
	assert.Equal(t, policy.ReasonBlocked, payload["reason"])
	assert.Empty(t, f.cataloger.lastTool)
}

func TestExecuteHardenedDefaultMintsTokenThenAllows(t *testing.T) {
	f := newFixture(t, config.DefaultConfig(), defaultTools())

	// First call: requires confirmation with a token.
	result, err := f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{"tool_name": "read_file"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	payload := resultJSON(t, result)
	assert.Equal(t, true, payload["requires_confirmation"])
	token := payload["confirmation_token"].(string)
	require.NotEmpty(t, token)
	assert.Empty(t, f.cataloger.lastTool)

	// Token minted against the bare name must work for the qualified one.
	result, err = f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{
			"tool_name":          "fs:read_file",
			"confirmation_token": token,
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "fs:read_file", f.cataloger.lastTool)

	// The token was single use; replaying it mints a fresh one.
	f.cataloger.lastTool = ""
	result, err = f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{
			"tool_name":          "fs:read_file",
			"confirmation_token": token,
		}))
	require.NoError(t, err)
	payload = resultJSON(t, result)
	assert.Equal(t, true, payload["requires_confirmation"])
	assert.NotEqual(t, token, payload["confirmation_token"])
	assert.Empty(t, f.cataloger.lastTool)
}

func TestExecuteAmbiguousBareName(t *testing.T) {
	tools := defaultTools()
	tools["github"] = append(tools["github"],
		types.CatalogedTool{ToolName: "read_file", Description: "Read a repo file"})
	f := newFixture(t, permissiveConfig(), tools)

	result, err := f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{"tool_name": "read_file"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExecuteUpstreamFailureIsToolError(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())
	f.cataloger.err = errors.New("upstream fs is disconnected")

	result, err := f.server.handleExecute(context.Background(),
		callRequest("execute", map[string]interface{}{"tool_name": "fs:read_file"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 1, f.recorder.fails["fs:read_file"])
}

func TestListNamespacesReportsFleet(t *testing.T) {
	f := newFixture(t, permissiveConfig(), defaultTools())
	f.cataloger.snapshot = map[string]types.ConnectionInfo{
		"fs": {
			State:      types.StateConnected,
			ServerName: "filesystem",
			ToolCount:  2,
			Transport:  types.TransportStdio,
		},
		"github": {
			State:       types.StateError,
			LastError:   "OAuth authorization required",
			Transport:   types.TransportHTTP,
			AuthPending: true,
		},
	}
	f.cataloger.conflicts = map[string][]string{
		"read_file": {"fs:read_file", "github:read_file"},
	}

	result, err := f.server.handleListNamespaces(context.Background(),
		callRequest("list_namespaces", nil))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	namespaces := payload["namespaces"].([]interface{})
	require.Len(t, namespaces, 2)

	// Entries come back sorted by key.
	first := namespaces[0].(map[string]interface{})
	assert.Equal(t, "fs", first["key"])
	assert.Equal(t, "connected", first["status"])
	assert.Equal(t, float64(2), first["toolCount"])
	assert.Equal(t, "stdio", first["transport"])

	second := namespaces[1].(map[string]interface{})
	assert.Equal(t, "github", second["key"])
	assert.Equal(t, "error", second["status"])
	assert.Equal(t, true, second["authPending"])

	conflicts := payload["conflicts"].(map[string]interface{})
	assert.Contains(t, conflicts, "read_file")
}

func TestClearSelectionCacheReturnsPriorCount(t *testing.T) {
	cfg := permissiveConfig()
	cfg.Operations.SelectionCache.Enabled = true
	f := newFixture(t, cfg, defaultTools())

	require.NoError(t, f.server.retriever.RecordCooccurrences(
		[]string{"fs:read_file", "github:create_issue"}))

	result, err := f.server.handleClearSelectionCache(context.Background(),
		callRequest("clear_selection_cache", nil))
	require.NoError(t, err)

	payload := resultJSON(t, result)
	assert.Equal(t, float64(1), payload["cleared"])

	result, err = f.server.handleClearSelectionCache(context.Background(),
		callRequest("clear_selection_cache", nil))
	require.NoError(t, err)
	payload = resultJSON(t, result)
	assert.Equal(t, float64(0), payload["cleared"])
}

func TestSessionStoreRecentFinds(t *testing.T) {
	store := NewSessionStore(zap.NewNop())
	store.SetSession("s1", "client", "1.0")
	store.SetRecentFinds("s1", []string{"fs:read_file", "github:create_issue"})

	assert.Equal(t, []string{"fs:read_file", "github:create_issue"}, store.RecentFinds("s1"))
	assert.Equal(t, 1, store.Count())

	store.RemoveSession("s1")
	assert.Nil(t, store.RecentFinds("s1"))
	assert.Equal(t, 0, store.Count())
}

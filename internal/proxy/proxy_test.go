package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpsquared-go/internal/config"
	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/index"
	"mcpsquared-go/internal/instances"
	"mcpsquared-go/internal/policy"
	"mcpsquared-go/internal/retriever"
	"mcpsquared-go/internal/server"
	"mcpsquared-go/internal/socket"
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

type fakeCataloger struct{}

func (f *fakeCataloger) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}
func (f *fakeCataloger) Snapshot() map[string]types.ConnectionInfo { return nil }
func (f *fakeCataloger) Conflicts() map[string][]string            { return nil }

func startTestDaemon(t *testing.T, secret string) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.Tools = &config.ToolPolicyConfig{Allow: []string{"*:*"}}

	store, err := index.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := &fakeSource{tools: map[string][]types.CatalogedTool{
		"fs": {{ToolName: "read_file", Description: "Read a file"}},
	}}
	ret := retriever.New(store, source, nil, cfg.Operations.FindTools, zap.NewNop())
	_, err = ret.SyncFromCataloger(context.Background())
	require.NoError(t, err)

	engine, err := policy.NewEngine(policy.PermissiveLists(), time.Minute, zap.NewNop())
	require.NoError(t, err)
	sessionServer := server.New(cfg, "test", ret, &fakeCataloger{}, engine, nil, zap.NewNop())

	endpoint := "unix://" + filepath.Join(t.TempDir(), "d.sock")
	d := daemon.New(daemon.Options{Endpoint: endpoint, Secret: secret}, sessionServer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); d.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})

	require.Eventually(t, func() bool {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer dialCancel()
		conn, err := socket.Dial(dialCtx, endpoint)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)
	return endpoint
}

func newTestProxy(t *testing.T, endpoint, secret string) *Proxy {
	t.Helper()
	registry, err := instances.NewRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return New(Options{Endpoint: endpoint, Secret: secret}, registry, zap.NewNop())
}

func TestProxyRoundTrip(t *testing.T) {
	endpoint := startTestDaemon(t, "s3cret")
	p := newTestProxy(t, endpoint, "s3cret")

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(context.Background(), stdinReader, stdoutWriter)
	}()

	requests := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` +
			mcp.LATEST_PROTOCOL_VERSION + `","clientInfo":{"name":"t","version":"0"},"capabilities":{}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}
	go func() {
		for _, line := range requests {
			stdinWriter.Write([]byte(line + "\n"))
		}
	}()

	scanner := bufio.NewScanner(stdoutReader)
	scanner.Buffer(make([]byte, 64*1024), daemon.MaxFrameSize)

	for wantID := 1; wantID <= 2; wantID++ {
		require.True(t, scanner.Scan())
		var msg struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		assert.Equal(t, wantID, msg.ID)
	}

	// tools/list response carries the five meta-tools.
	var listReply struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &listReply))
	assert.Len(t, listReply.Result.Tools, 5)

	// Closing stdin ends the proxy cleanly.
	stdinWriter.Close()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("proxy did not exit on stdin close")
	}
}

func TestProxyRejectsWrongSecret(t *testing.T) {
	endpoint := startTestDaemon(t, "right")
	p := newTestProxy(t, endpoint, "wrong")

	err := p.Run(context.Background(), strings.NewReader(""), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestProxyFailsFastWithoutAutoSpawn(t *testing.T) {
	endpoint := "unix://" + filepath.Join(t.TempDir(), "absent.sock")
	p := newTestProxy(t, endpoint, "")

	err := p.Run(context.Background(), strings.NewReader(""), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

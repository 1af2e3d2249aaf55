package monitor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpsquared-go/internal/daemon"
	"mcpsquared-go/internal/observability"
	"mcpsquared-go/internal/socket"
	"mcpsquared-go/internal/upstream/types"
)

type fakeFleet struct {
	snapshot map[string]types.ConnectionInfo
}

func (f *fakeFleet) Snapshot() map[string]types.ConnectionInfo { return f.snapshot }

type fakeSessions struct{ count int }

func (f *fakeSessions) Count() int { return f.count }

func startService(t *testing.T, metrics *observability.Metrics, fleet Fleet, clients func() []daemon.ClientInfo) string {
	t.Helper()
	endpoint := "unix://" + filepath.Join(t.TempDir(), "monitor.sock")
	svc := New(endpoint, metrics, &fakeSessions{count: 2}, fleet, clients, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); svc.Serve(ctx) }()
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

func TestPingRepliesPong(t *testing.T) {
	endpoint := startService(t, observability.New(true, zap.NewNop()), &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "ping")
	require.NoError(t, err)
	assert.Equal(t, "success", reply.Status)
	assert.Equal(t, "pong", reply.Data)
	assert.Greater(t, reply.Timestamp, int64(0))
}

func TestStatsReportsCounters(t *testing.T) {
	metrics := observability.New(true, zap.NewNop())
	metrics.RecordRequest("find_tools", true)
	metrics.RecordRequest("execute", false)
	metrics.RecordSuggestionLookup(true)
	metrics.SetCooccurrencePairs(3)
	refreshedAt := time.Now().Truncate(time.Second)
	metrics.MarkIndexRefresh(refreshedAt)

	endpoint := startService(t, metrics, &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "stats")
	require.NoError(t, err)
	require.Equal(t, "success", reply.Status)

	data := reply.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["totalRequests"])
	assert.Equal(t, float64(1), data["successfulRequests"])
	assert.Equal(t, float64(1), data["failedRequests"])
	assert.Equal(t, float64(2), data["activeConnections"])
	assert.Equal(t, float64(1), data["cacheHits"])
	assert.Equal(t, float64(3), data["cacheSize"])
	assert.Equal(t, float64(refreshedAt.UnixMilli()), data["lastIndexRefresh"])
}

func TestToolsRespectsLimit(t *testing.T) {
	metrics := observability.New(true, zap.NewNop())
	metrics.RecordToolCall("fs:read_file", true)
	metrics.RecordToolCall("fs:read_file", false)
	metrics.RecordToolCall("github:create_issue", true)

	endpoint := startService(t, metrics, &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "tools 1")
	require.NoError(t, err)
	require.Equal(t, "success", reply.Status)

	rows := reply.Data.([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "fs:read_file", row["tool"])
	assert.Equal(t, float64(2), row["calls"])
	assert.Equal(t, float64(1), row["success"])
	assert.Equal(t, float64(1), row["failures"])
}

func TestToolsErrorsWhenTrackingDisabled(t *testing.T) {
	endpoint := startService(t, observability.New(false, zap.NewNop()), &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "tools")
	require.NoError(t, err)
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "disabled")
}

func TestUpstreamsReportsFleetSorted(t *testing.T) {
	fleet := &fakeFleet{snapshot: map[string]types.ConnectionInfo{
		"github": {
			State:       types.StateError,
			LastError:   "OAuth authorization required",
			Transport:   types.TransportHTTP,
			AuthPending: true,
		},
		"fs": {
			State:      types.StateConnected,
			ServerName: "filesystem",
			ToolCount:  4,
			Transport:  types.TransportStdio,
		},
	}}
	endpoint := startService(t, observability.New(true, zap.NewNop()), fleet, nil)

	reply, err := Query(context.Background(), endpoint, "upstreams")
	require.NoError(t, err)
	require.Equal(t, "success", reply.Status)

	rows := reply.Data.([]interface{})
	require.Len(t, rows, 2)
	first := rows[0].(map[string]interface{})
	assert.Equal(t, "fs", first["key"])
	assert.Equal(t, "connected", first["status"])
	assert.Equal(t, float64(4), first["toolCount"])
	second := rows[1].(map[string]interface{})
	assert.Equal(t, "github", second["key"])
	assert.Equal(t, true, second["authPending"])
}

func TestClientsReportsDaemonSessions(t *testing.T) {
	now := time.Now()
	clients := func() []daemon.ClientInfo {
		return []daemon.ClientInfo{{
			SessionID:   "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			ClientID:    "proxy-1",
			ConnectedAt: now.Add(-time.Minute),
			LastSeen:    now,
			IsOwner:     true,
		}}
	}
	endpoint := startService(t, observability.New(true, zap.NewNop()), &fakeFleet{}, clients)

	reply, err := Query(context.Background(), endpoint, "clients")
	require.NoError(t, err)
	require.Equal(t, "success", reply.Status)

	rows := reply.Data.([]interface{})
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", row["sessionId"])
	assert.Equal(t, "proxy-1", row["clientId"])
	assert.Equal(t, true, row["isOwner"])
}

func TestClientsEmptyInStandaloneMode(t *testing.T) {
	endpoint := startService(t, observability.New(true, zap.NewNop()), &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "clients")
	require.NoError(t, err)
	assert.Equal(t, "success", reply.Status)
	assert.Empty(t, reply.Data)
}

func TestUnknownCommand(t *testing.T) {
	endpoint := startService(t, observability.New(true, zap.NewNop()), &fakeFleet{}, nil)

	reply, err := Query(context.Background(), endpoint, "destroy")
	require.NoError(t, err)
	assert.Equal(t, "error", reply.Status)
	assert.Contains(t, reply.Error, "unknown command")
}

func TestMultipleCommandsOnOneConnection(t *testing.T) {
	endpoint := startService(t, observability.New(true, zap.NewNop()), &fakeFleet{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := socket.Dial(ctx, endpoint)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\nping\n"))
	require.NoError(t, err)

	decoder := json.NewDecoder(conn)
	for i := 0; i < 2; i++ {
		var reply Reply
		require.NoError(t, decoder.Decode(&reply))
		assert.Equal(t, "success", reply.Status)
	}
}

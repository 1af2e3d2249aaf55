package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSnapshotAggregatesRequestCounters(t *testing.T) {
	m := New(true, zap.NewNop())

	m.RecordRequest("find_tools", true)
	m.RecordRequest("find_tools", true)
	m.RecordRequest("execute", false)
	m.RecordSuggestionLookup(true)
	m.RecordSuggestionLookup(false)
	m.SetCooccurrencePairs(4)

	stats := m.Snapshot()
	assert.Equal(t, uint64(3), stats.TotalRequests)
	assert.Equal(t, uint64(2), stats.SuccessfulRequests)
	assert.Equal(t, uint64(1), stats.FailedRequests)
	assert.Equal(t, uint64(1), stats.SuggestionHits)
	assert.Equal(t, uint64(1), stats.SuggestionMisses)
	assert.Equal(t, 4, stats.CooccurrencePairs)
}

func TestSnapshotReportsRefreshTime(t *testing.T) {
	m := New(true, zap.NewNop())

	assert.True(t, m.Snapshot().LastIndexRefresh.IsZero())

	at := time.Now().Truncate(time.Second)
	m.MarkIndexRefresh(at)
	assert.Equal(t, at.Unix(), m.Snapshot().LastIndexRefresh.Unix())
}

func TestToolCallTableSortsByCallCount(t *testing.T) {
	m := New(true, zap.NewNop())

	m.RecordToolCall("fs:read_file", true)
	m.RecordToolCall("fs:read_file", true)
	m.RecordToolCall("fs:read_file", false)
	m.RecordToolCall("github:create_issue", true)

	table := m.ToolCallTable()
	require.Len(t, table, 2)
	assert.Equal(t, "fs:read_file", table[0].Tool)
	assert.Equal(t, uint64(3), table[0].Calls)
	assert.Equal(t, uint64(1), table[0].Failures)
	assert.Equal(t, "github:create_issue", table[1].Tool)
	assert.Equal(t, uint64(1), table[1].Calls)
	assert.Equal(t, uint64(0), table[1].Failures)
}

func TestHandlerServesScrape(t *testing.T) {
	m := New(true, zap.NewNop())
	m.RecordRequest("find_tools", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "mcpsquared_requests_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestToolCallTrackingDisabled(t *testing.T) {
	m := New(false, zap.NewNop())

	m.RecordToolCall("fs:read_file", true)
	assert.Nil(t, m.ToolCallTable())
}

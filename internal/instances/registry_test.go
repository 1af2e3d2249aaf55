package instances

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRegisterAssignsIDAndPID(t *testing.T) {
	r := newTestRegistry(t)

	rec, err := r.Register(Record{Role: RoleProxy, ConfigPath: "/work/mcp-squared.toml"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.False(t, rec.StartedAt.IsZero())
	assert.NotEmpty(t, rec.WorkingDir)
	assert.Equal(t, os.Args, rec.CommandLine)

	records, err := r.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, "/work/mcp-squared.toml", records[0].ConfigPath)
	assert.Equal(t, rec.CommandLine, records[0].CommandLine)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	rec, err := r.Register(Record{Role: RoleProxy})
	require.NoError(t, err)
	require.NoError(t, r.Deregister(rec.ID))
	require.NoError(t, r.Deregister(rec.ID))

	records, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLiveFiltersDeadProcesses(t *testing.T) {
	r := newTestRegistry(t)

	// The current test process is alive; a proxy record skips the dial.
	_, err := r.Register(Record{Role: RoleProxy})
	require.NoError(t, err)

	// An impossible pid reads as dead.
	_, err = r.Register(Record{Role: RoleProxy, PID: 1 << 30})
	require.NoError(t, err)

	live, err := r.Live()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, os.Getpid(), live[0].PID)
}

func TestPruneRemovesOnlyDeadRecords(t *testing.T) {
	r := newTestRegistry(t)

	alive, err := r.Register(Record{Role: RoleProxy})
	require.NoError(t, err)
	_, err = r.Register(Record{Role: RoleProxy, PID: 1 << 30})
	require.NoError(t, err)

	removed, err := r.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := r.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, alive.ID, records[0].ID)
}

func TestFindDaemonIgnoresProxies(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(Record{Role: RoleProxy})
	require.NoError(t, err)

	rec, err := r.FindDaemon()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWaitForDaemonTimesOut(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.WaitForDaemon(context.Background(), 300*time.Millisecond)
	assert.Error(t, err)
}

func TestWaitForDaemonHonorsContext(t *testing.T) {
	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.WaitForDaemon(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListSkipsCorruptRecords(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(Record{Role: RoleProxy})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.path("corrupt"), []byte("not json"), 0o600))

	records, err := r.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

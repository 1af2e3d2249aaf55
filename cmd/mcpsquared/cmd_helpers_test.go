package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpsquared-go/internal/config"
)

func resetFlags(t *testing.T) {
	t.Helper()
	flagProject = ""
	flagInstance = ""
	flagVerbose = false
	flagRefreshInterval = 0
	flagSocket = ""
	flagDaemonSocket = ""
	flagDaemonSecret = ""
	flagSecurity = ""
	t.Cleanup(func() {
		flagProject = ""
		flagInstance = ""
		flagVerbose = false
		flagRefreshInterval = 0
		flagSocket = ""
		flagDaemonSocket = ""
		flagDaemonSecret = ""
		flagSecurity = ""
	})
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	resetFlags(t)
	flagProject = t.TempDir()
	flagVerbose = true
	flagRefreshInterval = 5 * time.Second
	flagDaemonSocket = "tcp://127.0.0.1:9100"
	flagDaemonSecret = "hunter2"
	flagSocket = "tcp://127.0.0.1:9101"

	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, "debug", cfg.Operations.Logging.Level)
	assert.Equal(t, 5000, cfg.Operations.Index.RefreshIntervalMs)
	assert.Equal(t, "tcp://127.0.0.1:9100", cfg.Operations.Daemon.Endpoint)
	assert.Equal(t, "hunter2", cfg.Operations.Daemon.Secret)
	assert.Equal(t, "tcp://127.0.0.1:9101", cfg.Operations.Monitor.Endpoint)
}

func TestResolveDataDirHonorsInstance(t *testing.T) {
	resetFlags(t)
	base := t.TempDir()
	flagInstance = "staging"

	cfg := config.DefaultConfig()
	cfg.DataDir = base

	dataDir, err := resolveDataDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "instances", "staging"), dataDir)
}

func TestSecurityListsOverride(t *testing.T) {
	resetFlags(t)
	cfg := config.DefaultConfig() // hardened default

	lists, err := securityLists(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"*:*"}, lists.Confirm)

	flagSecurity = "permissive"
	lists, err = securityLists(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"*:*"}, lists.Allow)
	assert.Empty(t, lists.Confirm)

	flagSecurity = "paranoid"
	_, err = securityLists(cfg)
	assert.Error(t, err)
}

func TestDaemonSpawnArgsCarryFlags(t *testing.T) {
	resetFlags(t)
	flagProject = "/work/proj"
	flagInstance = "a"
	flagDaemonSecret = "s"

	args := daemonSpawnArgs()
	assert.Equal(t, []string{
		"--project", "/work/proj",
		"--instance", "a",
		"--daemon-secret", "s",
	}, args)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(orig) })
}

func TestLoadSimulatorDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "AAPL.csv", cfg.DataFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.AutoStart)
}

func TestLoadSimulatorEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TICKFLOW_ADDR", ":9000")
	t.Setenv("TICKFLOW_DATA_FILE", "/data/MSFT.csv")

	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/data/MSFT.csv", cfg.DataFile)
}

func TestLoadSimulatorFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "simulator.yaml"), []byte(
		"addr: \":7000\"\nlog_level: debug\nauto_start: false\n"), 0o644))
	chdir(t, dir)

	cfg, err := LoadSimulator()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.AutoStart)
	assert.Equal(t, "AAPL.csv", cfg.DataFile, "unset keys keep their defaults")
}

func TestLoadServerDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8001", cfg.Addr)
	assert.Equal(t, "ws://localhost:8000/ws", cfg.FeedURL)
	assert.Equal(t, "http://localhost:8000/trades", cfg.CatchUpURL)
	assert.Equal(t, 100, cfg.CatchUpLimit)
	assert.Equal(t, 5, cfg.ReconnectDelaySeconds)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 5, cfg.BackoffCap)
	assert.Equal(t, 60, cfg.LongRetryDelaySeconds)
	assert.Equal(t, 1000, cfg.BroadcastIntervalMS)
	assert.Equal(t, []int{10, 20}, cfg.MAWindows)
}

func TestLoadServerEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TICKFLOW_FEED_URL", "ws://sim:8000/ws")
	t.Setenv("TICKFLOW_CATCH_UP_LIMIT", "250")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, "ws://sim:8000/ws", cfg.FeedURL)
	assert.Equal(t, 250, cfg.CatchUpLimit)
}

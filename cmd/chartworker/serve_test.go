package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woxQAQ/chart-worker/internal/config"
)

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	configPath = ""

	require.NoError(t, serveCmd.Flags().Parse([]string{
		"--transport", "websocket",
		"--addr", "127.0.0.1:9999",
		"--extensions", "a,b",
		"--watch",
	}))

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, config.TransportWebSocket, cfg.Transport.Mode)
	assert.Equal(t, "127.0.0.1:9999", cfg.Transport.Address)
	assert.Equal(t, []string{"a", "b"}, cfg.ExtensionPaths)
	assert.True(t, cfg.WatchExtensions)
}

func TestLoadConfigValidatesTransport(t *testing.T) {
	t.Chdir(t.TempDir())
	configPath = ""

	require.NoError(t, extensionsListCmd.Flags().Parse(nil))
	transportMode = ""
	cfg, err := loadConfig(extensionsListCmd)
	require.NoError(t, err)
	assert.Equal(t, config.TransportStdio, cfg.Transport.Mode)

	require.NoError(t, serveCmd.Flags().Parse([]string{"--transport", "carrier-pigeon"}))
	_, err = loadConfig(serveCmd)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("loud")
	assert.Error(t, err)
}

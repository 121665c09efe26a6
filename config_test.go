package cubesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("ws://example:7700/sync")
	assert.True(t, cfg.AutoReconnect)
	assert.True(t, cfg.AllowSync)
	assert.False(t, cfg.AllowRTC)

	cfg.fillDefaults()
	assert.Equal(t, 200*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, time.Second, cfg.StatsInterval)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CUBESYNC_URL", "ws://env:7700/sync")
	t.Setenv("CUBESYNC_AUTO_RECONNECT", "false")
	t.Setenv("CUBESYNC_ALLOW_RTC", "true")
	t.Setenv("CUBESYNC_TICK_INTERVAL", "50ms")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ws://env:7700/sync", cfg.URL)
	assert.False(t, cfg.AutoReconnect)
	assert.True(t, cfg.AllowSync, "sync defaults on")
	assert.True(t, cfg.AllowRTC)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval)
}

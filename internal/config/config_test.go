package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/ws", cfg.Chat.ServerURL)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 2.0, cfg.Connection.Growth)
	assert.Equal(t, 8, cfg.Connection.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.IdleThreshold)
	assert.Equal(t, 5*time.Second, cfg.PresenceMin)
	assert.Equal(t, 45*time.Second, cfg.PresenceRefresh)
	assert.Equal(t, 30*time.Second, cfg.PresenceHealth)
	assert.Equal(t, "engine_events", cfg.AMQP.Exchange)
	assert.Equal(t, "8086", cfg.Diag.Port)
	assert.Equal(t, "dev", cfg.Telemetry.Environment)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chat:
  server_url: wss://chat.example.com/ws
  user_id: u-77
connection:
  base_delay_millis: 250
  max_attempts: 3
presence:
  idle_minutes: 1
diag:
  port: "9099"
  debug: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://chat.example.com/ws", cfg.Chat.ServerURL)
	assert.Equal(t, "u-77", cfg.Chat.UserID)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 3, cfg.Connection.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.IdleThreshold)
	assert.Equal(t, "9099", cfg.Diag.Port)
	assert.True(t, cfg.Diag.Debug)

	// Untouched keys still get defaults.
	assert.Equal(t, 2.0, cfg.Connection.Growth)
	assert.Equal(t, "engine_events", cfg.AMQP.Exchange)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_EngineConstants(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.Interval)
	assert.Equal(t, 40, cfg.Capture.MaxQueueLength)
	assert.Equal(t, 1000, cfg.Processor.DeltaThreshold)
	assert.True(t, cfg.Processor.DeltaEnabled)
	assert.Equal(t, 50, cfg.Processor.KeyframeInterval)
	assert.Equal(t, 5*time.Second, cfg.Protocol.HeartbeatInterval)
	assert.Equal(t, 200*time.Second, cfg.Protocol.LivenessTimeout)
	assert.Equal(t, "websocket", cfg.Transport.Kind)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"redis transport without redis", func(c *Config) { c.Transport.Kind = "redis" }},
		{"pong must outlast ping", func(c *Config) { c.Transport.WebSocket.PongTimeout = c.Transport.WebSocket.PingInterval }},
		{"unknown capture source", func(c *Config) { c.Capture.Source = "webcam" }},
		{"capture interval", func(c *Config) { c.Capture.Interval = 0 }},
		{"tiny queue", func(c *Config) { c.Capture.MaxQueueLength = 2 }},
		{"jpeg quality", func(c *Config) { c.Capture.JPEGQuality = 101 }},
		{"unknown codec", func(c *Config) { c.Capture.Codec = "webp" }},
		{"delta threshold", func(c *Config) { c.Processor.DeltaThreshold = 0 }},
		{"keyframe interval", func(c *Config) { c.Processor.KeyframeInterval = -1 }},
		{"liveness shorter than heartbeat", func(c *Config) { c.Protocol.LivenessTimeout = time.Second }},
		{"non-positive liveness", func(c *Config) { c.Protocol.LivenessTimeout = 0 }},
		{"tiles per page", func(c *Config) { c.Layout.TilesPerPage = 0 }},
		{"canvas", func(c *Config) { c.Layout.CanvasHeight = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
		{"sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)

			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
server:
  address: ":9000"
protocol:
  heartbeat_interval: 2s
  liveness_timeout: 30s
layout:
  tiles_per_page: 4
processor:
  delta_enabled: false
presenter:
  id: desk-1
  name: Front Desk
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))
	t.Setenv("TILECAST_LOG_LEVEL", "debug")
	t.Setenv("TILECAST_PRESENTER_NAME", "Reception")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 2*time.Second, cfg.Protocol.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Protocol.LivenessTimeout)
	assert.Equal(t, 4, cfg.Layout.TilesPerPage)
	assert.False(t, cfg.Processor.DeltaEnabled)
	assert.Equal(t, "desk-1", cfg.Presenter.ID)
	assert.Equal(t, "Reception", cfg.Presenter.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 40, cfg.Capture.MaxQueueLength, "unset keys keep defaults")
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("protocol:\n  liveness_timeout: 0s\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFirst(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("layout:\n  tiles_per_page: 6\n"), 0o600))

	cfg, used := LoadFirst(filepath.Join(dir, "missing.yaml"), good)
	assert.Equal(t, good, used)
	assert.Equal(t, 6, cfg.Layout.TilesPerPage)

	cfg, used = LoadFirst(filepath.Join(dir, "missing.yaml"))
	assert.Empty(t, used)
	assert.Equal(t, 9, cfg.Layout.TilesPerPage)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"streamqos/internal/core/domain"

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

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	profile, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultQoSProfile(), profile)
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
		{"pong timeout must exceed ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"send buffer must be > 0", func(c *Config) { c.Signal.SendBuffer = 0 }},
		{"ice servers must be stun or turn", func(c *Config) { c.Signal.ICEServers = []string{"http://stun.example.com"} }},
		{"tick interval must be > 0", func(c *Config) { c.QoS.TickInterval = 0 }},
		{"history size must be > 0", func(c *Config) { c.QoS.HistorySize = 0 }},
		{"utilization within (0, 1]", func(c *Config) { c.QoS.Utilization.High = 1.5 }},
		{"tiers strictly descending", func(c *Config) {
			c.QoS.Tiers = []domain.QualityTier{
				{Name: "low", BitrateKbps: 500, FPS: 30},
				{Name: "high", BitrateKbps: 5000, FPS: 60},
			}
		}},
		{"guard threshold must be > 0", func(c *Config) { c.QoS.Guard.FailureThreshold = 0 }},
		{"redis channel required", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
		{"redis channel charset", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = "qos events"
		}},
		{"predict window within history", func(c *Config) { c.QoS.PredictWindow = c.QoS.HistorySize + 1 }},
		{"jaeger url scheme", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = "localhost:14268"
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, ":8081", cfg.Signal.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, time.Second, cfg.QoS.TickInterval)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s

signal:
  ping_interval: 5s
  pong_timeout: 10s

qos:
  tick_interval: 500ms
  history_size: 30
  tiers:
    - name: "1080p30"
      bitrate_kbps: 4000
      resolution: "1920x1080"
      fps: 30
      max_packet_loss: 1
      max_jitter_ms: 50
    - name: "540p30"
      bitrate_kbps: 1500
      resolution: "960x540"
      fps: 30
      max_packet_loss: 3
      max_jitter_ms: 100
  buffer_thresholds:
    critical: 1
    low: 4
    high: 30
  compression:
    high:
      ratio: 0.25
      fps: 20
      keyframe_interval: 6

logging:
  level: "debug"
`)

	t.Setenv("STREAMQOS_SERVER_ADDRESS", ":7000")
	t.Setenv("STREAMQOS_LOG_LEVEL", "warn")
	t.Setenv("STREAMQOS_TICK_INTERVAL", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)

	profile, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, profile.TickInterval)
	assert.Equal(t, 30, profile.HistorySize)
	assert.Equal(t, []string{"1080p30", "540p30"}, profile.Tiers.Names())
	assert.Equal(t, domain.BufferThresholds{Critical: 1, Low: 4, High: 30}, profile.Buffer)
	assert.Equal(t, 0.25, profile.Compression[domain.CompressionHigh].Ratio)
	assert.Equal(t, 0.5, profile.Compression[domain.CompressionMedium].Ratio)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("STREAMQOS_TICK_INTERVAL", "soon")
	_, err := Load("non-existent-config.yaml")
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [not, a, map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	profile, err := cfg.Profile()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultQoSProfile(), profile)
	assert.Equal(t, 5*time.Second, cfg.Signal.TelemetryMaxAge)
	assert.Equal(t, "streamqos:events", cfg.Redis.Channel)
}

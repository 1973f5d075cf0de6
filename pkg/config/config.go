package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		TelemetryMaxAge time.Duration `yaml:"telemetry_max_age"` // 0 disables staleness
		SendBuffer      int           `yaml:"send_buffer"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		ICEServers      []string      `yaml:"ice_servers"` // STUN/TURN URLs for webrtc mode
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	QoS struct {
		TickInterval    time.Duration           `yaml:"tick_interval"`
		HistorySize     int                     `yaml:"history_size"`
		PredictWindow   int                     `yaml:"predict_window"`
		DesiredFPS      int                     `yaml:"desired_fps"`
		JitterThreshold float64                 `yaml:"jitter_threshold_ms"`
		Tiers           []domain.QualityTier    `yaml:"tiers"`
		Buffer          domain.BufferThresholds `yaml:"buffer_thresholds"`

		Utilization struct {
			Critical float64 `yaml:"critical"`
			Low      float64 `yaml:"low"`
			Normal   float64 `yaml:"normal"`
			High     float64 `yaml:"high"`
		} `yaml:"utilization"`

		Compression    map[domain.CompressionLevel]domain.CompressionProfile `yaml:"compression"`
		BufferProfiles map[domain.BufferStrategy]domain.BufferProfile        `yaml:"buffer_profiles"`

		Guard struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Cooldown         time.Duration `yaml:"cooldown"`
		} `yaml:"guard"`
	} `yaml:"qos"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled        bool          `yaml:"enabled"`
		Address        string        `yaml:"address"`
		Password       string        `yaml:"password"`
		DB             int           `yaml:"db"`
		PoolSize       int           `yaml:"pool_size"`
		Channel        string        `yaml:"channel"`
		PublishRetries uint64        `yaml:"publish_retries"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be greater than signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.TelemetryMaxAge < 0 {
		return fmt.Errorf("signal.telemetry_max_age must be >= 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	for _, server := range c.Signal.ICEServers {
		if !strings.HasPrefix(server, "stun:") && !strings.HasPrefix(server, "turn:") && !strings.HasPrefix(server, "turns:") {
			return fmt.Errorf("signal.ice_servers: %q is not a stun or turn URL", server)
		}
	}

	// QoS
	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := validation.ValidateWindow(c.QoS.PredictWindow, c.QoS.HistorySize); err != nil {
		return fmt.Errorf("qos.predict_window: %w", err)
	}
	if c.QoS.Guard.FailureThreshold <= 0 {
		return fmt.Errorf("qos.guard.failure_threshold must be > 0")
	}
	if c.QoS.Guard.Cooldown <= 0 {
		return fmt.Errorf("qos.guard.cooldown must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if err := validation.ValidateChannel(c.Redis.Channel); err != nil {
			return fmt.Errorf("redis.channel: %w", err)
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Profile compiles the qos section into the immutable profile used by the
// decision engines.
func (c *Config) Profile() (domain.QoSProfile, error) {
	profile := domain.DefaultQoSProfile()

	if len(c.QoS.Tiers) > 0 {
		profile.Tiers = append(domain.TierTable(nil), c.QoS.Tiers...)
	}
	profile.Buffer = c.QoS.Buffer
	profile.Utilization = domain.UtilizationFactors{
		domain.BufferCritical: c.QoS.Utilization.Critical,
		domain.BufferLow:      c.QoS.Utilization.Low,
		domain.BufferNormal:   c.QoS.Utilization.Normal,
		domain.BufferHigh:     c.QoS.Utilization.High,
	}
	for level, p := range c.QoS.Compression {
		profile.Compression[level] = p
	}
	for strategy, p := range c.QoS.BufferProfiles {
		profile.BufferProfiles[strategy] = p
	}
	profile.DesiredFPS = c.QoS.DesiredFPS
	profile.HistorySize = c.QoS.HistorySize
	profile.PredictWindow = c.QoS.PredictWindow
	profile.TickInterval = c.QoS.TickInterval
	profile.JitterThreshold = c.QoS.JitterThreshold

	if err := profile.Validate(); err != nil {
		return domain.QoSProfile{}, err
	}
	return profile, nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	profile := domain.DefaultQoSProfile()

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.TelemetryMaxAge = 5 * time.Second
	cfg.Signal.SendBuffer = 32
	cfg.Signal.AllowedOrigins = []string{"*"}
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.QoS.TickInterval = profile.TickInterval
	cfg.QoS.HistorySize = profile.HistorySize
	cfg.QoS.PredictWindow = profile.PredictWindow
	cfg.QoS.DesiredFPS = profile.DesiredFPS
	cfg.QoS.JitterThreshold = profile.JitterThreshold
	cfg.QoS.Tiers = profile.Tiers
	cfg.QoS.Buffer = profile.Buffer
	cfg.QoS.Utilization.Critical = profile.Utilization[domain.BufferCritical]
	cfg.QoS.Utilization.Low = profile.Utilization[domain.BufferLow]
	cfg.QoS.Utilization.Normal = profile.Utilization[domain.BufferNormal]
	cfg.QoS.Utilization.High = profile.Utilization[domain.BufferHigh]
	cfg.QoS.Guard.FailureThreshold = 5
	cfg.QoS.Guard.Cooldown = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "streamqos"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "streamqos:events"
	cfg.Redis.PublishRetries = 3
	cfg.Redis.PublishTimeout = 2 * time.Second

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 16 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("STREAMQOS_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("STREAMQOS_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("STREAMQOS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("STREAMQOS_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("STREAMQOS_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMQOS_TICK_INTERVAL %q: %w", v, err)
		}
		c.QoS.TickInterval = d
	}
	if v := os.Getenv("STREAMQOS_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMQOS_TRACING_ENABLED %q: %w", v, err)
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      string        `yaml:"instance_id"`
	} `yaml:"server"`

	Transport struct {
		Kind string `yaml:"kind"` // websocket, redis or memory

		WebSocket struct {
			Path         string        `yaml:"path"`
			PingInterval time.Duration `yaml:"ping_interval"`
			PongTimeout  time.Duration `yaml:"pong_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
		} `yaml:"websocket"`

		Redis struct {
			ChannelPrefix string `yaml:"channel_prefix"`
		} `yaml:"redis"`

		Client struct {
			ServerURL    string        `yaml:"server_url"`
			DialAttempts int           `yaml:"dial_attempts"`
			DialBackoff  time.Duration `yaml:"dial_backoff"`
		} `yaml:"client"`
	} `yaml:"transport"`

	Capture struct {
		Source         string        `yaml:"source"` // screen or synthetic
		Interval       time.Duration `yaml:"interval"`
		MaxQueueLength int           `yaml:"max_queue_length"`
		Display        int           `yaml:"display"`
		Codec          string        `yaml:"codec"` // jpeg or png
		JPEGQuality    int           `yaml:"jpeg_quality"`
		Synthetic      struct {
			Width  int `yaml:"width"`
			Height int `yaml:"height"`
		} `yaml:"synthetic"`
	} `yaml:"capture"`

	Processor struct {
		DeltaThreshold int  `yaml:"delta_threshold"`
		DeltaEnabled   bool `yaml:"delta_enabled"`
		// KeyframeInterval is the number of units after which a full frame
		// is forced. 0 disables periodic keyframes.
		KeyframeInterval int `yaml:"keyframe_interval"`
	} `yaml:"processor"`

	Protocol struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		LivenessTimeout   time.Duration `yaml:"liveness_timeout"`
	} `yaml:"protocol"`

	Layout struct {
		TilesPerPage int           `yaml:"tiles_per_page"`
		CanvasWidth  int           `yaml:"canvas_width"`
		CanvasHeight int           `yaml:"canvas_height"`
		TileWait     time.Duration `yaml:"tile_wait"`
	} `yaml:"layout"`

	Presenter struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Token string `yaml:"token"`
	} `yaml:"presenter"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		PrometheusPort    int           `yaml:"prometheus_port"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`

		// Refreshes are pipelined in batches when the interval is positive.
		RefreshBatchSize     int           `yaml:"refresh_batch_size"`
		RefreshBatchInterval time.Duration `yaml:"refresh_batch_interval"`
	} `yaml:"redis"`

	Auth struct {
		Enabled         bool          `yaml:"enabled"`
		JWTSecret       string        `yaml:"jwt_secret"`
		AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

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

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
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

	// Transport
	switch c.Transport.Kind {
	case "websocket":
		if c.Transport.WebSocket.Path == "" {
			return fmt.Errorf("transport.websocket.path must not be empty")
		}
		if c.Transport.WebSocket.PingInterval <= 0 {
			return fmt.Errorf("transport.websocket.ping_interval must be > 0")
		}
		if c.Transport.WebSocket.PongTimeout <= c.Transport.WebSocket.PingInterval {
			return fmt.Errorf("transport.websocket.pong_timeout must be > ping_interval")
		}
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("transport.kind=redis requires redis.enabled=true")
		}
	case "memory":
	default:
		return fmt.Errorf("transport.kind must be one of websocket, redis, memory, got %q", c.Transport.Kind)
	}
	if c.Transport.Client.DialAttempts < 0 {
		return fmt.Errorf("transport.client.dial_attempts must be >= 0")
	}

	// Capture
	if c.Capture.Source != "screen" && c.Capture.Source != "synthetic" {
		return fmt.Errorf("capture.source must be screen or synthetic, got %q", c.Capture.Source)
	}
	if c.Capture.Interval <= 0 {
		return fmt.Errorf("capture.interval must be > 0")
	}
	if c.Capture.MaxQueueLength < 5 {
		return fmt.Errorf("capture.max_queue_length must be >= 5")
	}
	if c.Capture.Codec != "jpeg" && c.Capture.Codec != "png" {
		return fmt.Errorf("capture.codec must be jpeg or png, got %q", c.Capture.Codec)
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be within [1, 100]")
	}

	// Processor
	if c.Processor.DeltaThreshold <= 0 {
		return fmt.Errorf("processor.delta_threshold must be > 0")
	}
	if c.Processor.KeyframeInterval < 0 {
		return fmt.Errorf("processor.keyframe_interval must be >= 0")
	}

	// Protocol
	if c.Protocol.HeartbeatInterval <= 0 {
		return fmt.Errorf("protocol.heartbeat_interval must be > 0")
	}
	if c.Protocol.LivenessTimeout <= c.Protocol.HeartbeatInterval {
		return fmt.Errorf("protocol.liveness_timeout must be > heartbeat_interval")
	}

	// Layout
	if c.Layout.TilesPerPage <= 0 {
		return fmt.Errorf("layout.tiles_per_page must be > 0")
	}
	if c.Layout.CanvasWidth <= 0 || c.Layout.CanvasHeight <= 0 {
		return fmt.Errorf("layout.canvas_width and canvas_height must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
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
		if c.Redis.PresenceTTL <= 0 {
			return fmt.Errorf("redis.presence_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.RefreshBatchInterval > 0 && c.Redis.RefreshBatchSize <= 0 {
			return fmt.Errorf("redis.refresh_batch_size must be > 0 when refresh batching is enabled")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
		if c.Auth.RefreshTokenTTL <= 0 {
			return fmt.Errorf("auth.refresh_token_ttl must be > 0")
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

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in turn and falls back to defaults.
func LoadFirst(paths ...string) (*Config, string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if cfg, err := Load(path); err == nil {
			return cfg, path
		}
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, ""
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Transport.Kind = "websocket"
	cfg.Transport.WebSocket.Path = "/ws"
	cfg.Transport.WebSocket.PingInterval = 30 * time.Second
	cfg.Transport.WebSocket.PongTimeout = 60 * time.Second
	cfg.Transport.WebSocket.WriteTimeout = 10 * time.Second
	cfg.Transport.Redis.ChannelPrefix = "tilecast"
	cfg.Transport.Client.ServerURL = "ws://localhost:8080/ws"
	cfg.Transport.Client.DialAttempts = 5
	cfg.Transport.Client.DialBackoff = 500 * time.Millisecond

	cfg.Capture.Source = "screen"
	cfg.Capture.Interval = 100 * time.Millisecond
	cfg.Capture.MaxQueueLength = 40
	cfg.Capture.Display = 0
	cfg.Capture.Codec = "jpeg"
	cfg.Capture.JPEGQuality = 75
	cfg.Capture.Synthetic.Width = 1280
	cfg.Capture.Synthetic.Height = 720

	cfg.Processor.DeltaThreshold = 1000
	cfg.Processor.DeltaEnabled = true
	cfg.Processor.KeyframeInterval = 50

	cfg.Protocol.HeartbeatInterval = 5 * time.Second
	cfg.Protocol.LivenessTimeout = 200 * time.Second

	cfg.Layout.TilesPerPage = 9
	cfg.Layout.CanvasWidth = 1920
	cfg.Layout.CanvasHeight = 1080
	cfg.Layout.TileWait = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.PresenceTTL = 5 * time.Minute
	cfg.Redis.RefreshBatchSize = 100
	cfg.Redis.RefreshBatchInterval = time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour
	cfg.Auth.RefreshTokenTTL = 7 * 24 * time.Hour // 7 days
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 8 * 1024 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "tilecast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("TILECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if kind := os.Getenv("TILECAST_TRANSPORT_KIND"); kind != "" {
		c.Transport.Kind = strings.ToLower(kind)
	}
	if url := os.Getenv("TILECAST_SERVER_URL"); url != "" {
		c.Transport.Client.ServerURL = url
	}
	if level := os.Getenv("TILECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("TILECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if secret := os.Getenv("TILECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if id := os.Getenv("TILECAST_PRESENTER_ID"); id != "" {
		c.Presenter.ID = id
	}
	if name := os.Getenv("TILECAST_PRESENTER_NAME"); name != "" {
		c.Presenter.Name = name
	}
	if token := os.Getenv("TILECAST_PRESENTER_TOKEN"); token != "" {
		c.Presenter.Token = token
	}
}

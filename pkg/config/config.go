package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"yahtzee/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"` // broker url dialed by players
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		IdentityTTL     time.Duration `yaml:"identity_ttl"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout  time.Duration `yaml:"gather_timeout"`
		ConnectRetries int           `yaml:"connect_retries"`
	} `yaml:"webrtc"`

	Session struct {
		HostPrefix           string        `yaml:"host_prefix"`
		PlayerName           string        `yaml:"player_name"`
		MaxPlayers           int           `yaml:"max_players"`
		JoinTimeout          time.Duration `yaml:"join_timeout"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		CheckInterval        time.Duration `yaml:"check_interval"`
		WarningThreshold     time.Duration `yaml:"warning_threshold"`
		HardTimeout          time.Duration `yaml:"hard_timeout"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ReconnectGrace       time.Duration `yaml:"reconnect_grace"`
		RollDelay            time.Duration `yaml:"roll_delay"`
	} `yaml:"session"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.ReadTimeout <= 0 {
		return fmt.Errorf("signal.read_timeout must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.IdentityTTL <= 0 {
		return fmt.Errorf("signal.identity_ttl must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.GatherTimeout <= 0 {
		return fmt.Errorf("webrtc.gather_timeout must be > 0")
	}
	if c.WebRTC.ConnectRetries < 0 {
		return fmt.Errorf("webrtc.connect_retries must be >= 0")
	}

	if err := validation.ValidateHostPrefix(c.Session.HostPrefix); err != nil {
		return fmt.Errorf("session.host_prefix: %w", err)
	}
	if err := validation.ValidatePlayerName(c.Session.PlayerName); err != nil {
		return fmt.Errorf("session.player_name: %w", err)
	}
	if c.Session.MaxPlayers < 2 {
		return fmt.Errorf("session.max_players must be >= 2")
	}
	if c.Session.JoinTimeout <= 0 {
		return fmt.Errorf("session.join_timeout must be > 0")
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be > 0")
	}
	if c.Session.CheckInterval <= 0 {
		return fmt.Errorf("session.check_interval must be > 0")
	}
	if c.Session.WarningThreshold <= 0 {
		return fmt.Errorf("session.warning_threshold must be > 0")
	}
	if c.Session.HardTimeout < c.Session.WarningThreshold {
		return fmt.Errorf("session.hard_timeout must be >= session.warning_threshold")
	}
	if c.Session.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("session.max_reconnect_attempts must be > 0")
	}
	if c.Session.ReconnectGrace < 0 {
		return fmt.Errorf("session.reconnect_grace must be >= 0")
	}
	if c.Session.RollDelay < 0 {
		return fmt.Errorf("session.roll_delay must be >= 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsPath == "" {
		return fmt.Errorf("monitoring.metrics_path must not be empty when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
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
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be > 0")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
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

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.ReadTimeout = 30 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.IdentityTTL = 2 * time.Minute
	cfg.Signal.ShutdownTimeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.GatherTimeout = 5 * time.Second
	cfg.WebRTC.ConnectRetries = 3

	cfg.Session.HostPrefix = "yahtzee-room-"
	cfg.Session.PlayerName = "player"
	cfg.Session.MaxPlayers = 8
	cfg.Session.JoinTimeout = 8 * time.Second
	cfg.Session.HeartbeatInterval = 2 * time.Second
	cfg.Session.CheckInterval = time.Second
	cfg.Session.WarningThreshold = 5 * time.Second
	cfg.Session.HardTimeout = 15 * time.Second
	cfg.Session.MaxReconnectAttempts = 3
	cfg.Session.ReconnectGrace = 2 * time.Second
	cfg.Session.RollDelay = 800 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 30
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("YAHTZEE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("YAHTZEE_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("YAHTZEE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if name := os.Getenv("YAHTZEE_PLAYER_NAME"); name != "" {
		c.Session.PlayerName = name
	}
	if addr := os.Getenv("YAHTZEE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("YAHTZEE_MAX_PLAYERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxPlayers = n
		}
	}
}

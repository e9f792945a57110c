package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"herald/internal/variant"
)

// EnvPrefix is prepended to every environment variable Herald reads.
const EnvPrefix = "HERALD_"

// Config is the process-wide configuration. Sections map onto components;
// each is loaded from defaults, then the environment, then an optional file.
type Config struct {
	NodeID      string              `yaml:"node_id" env:"NODE_ID"`
	HTTP        HTTPConfig          `yaml:"http" envPrefix:"HTTP_"`
	WebSocket   WebSocketConfig     `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Registry    RegistryConfig      `yaml:"registry" envPrefix:"REGISTRY_"`
	Broadcast   BroadcastConfig     `yaml:"broadcast" envPrefix:"BROADCAST_"`
	Batching    BatchingConfig      `yaml:"batching" envPrefix:"BATCHING_"`
	Scheduler   SchedulerConfig     `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Database    DatabaseConfig      `yaml:"database" envPrefix:"DATABASE_"`
	Redis       RedisConfig         `yaml:"redis" envPrefix:"REDIS_"`
	Postgres    PostgresConfig      `yaml:"postgres" envPrefix:"POSTGRES_"`
	Log         LogConfig           `yaml:"log" envPrefix:"LOG_"`
	Metrics     MetricsConfig       `yaml:"metrics" envPrefix:"METRICS_"`
	Experiments map[string][]string `yaml:"experiments"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize   int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	// Inbound client messages per second and burst, per connection.
	MessageRate  float64 `yaml:"message_rate" env:"MESSAGE_RATE"`
	MessageBurst int     `yaml:"message_burst" env:"MESSAGE_BURST"`
	MaxMessage   int64   `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

type RegistryConfig struct {
	MaxConnections    int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"INACTIVITY_TIMEOUT"`
	SweepSpec         string        `yaml:"sweep_spec" env:"SWEEP_SPEC"`
}

type BroadcastConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`
}

type BatchingConfig struct {
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

type SchedulerConfig struct {
	// Store selects the durable backend: "sqlite" or "redis".
	Store          string        `yaml:"store" env:"STORE"`
	Lookahead      time.Duration `yaml:"lookahead" env:"LOOKAHEAD"`
	TTLBuffer      time.Duration `yaml:"ttl_buffer" env:"TTL_BUFFER"`
	RescanInterval time.Duration `yaml:"rescan_interval" env:"RESCAN_INTERVAL"`
}

type DatabaseConfig struct {
	Path       string        `yaml:"path" env:"PATH"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// RedisConfig is optional. An empty URL disables the Redis schedule store
// and the presence mirror.
type RedisConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	RetryAttempts  int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval  time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	PresenceTTL    time.Duration `yaml:"presence_ttl" env:"PRESENCE_TTL"`
}

// PostgresConfig is optional. An empty URL disables unread count lookups.
type PostgresConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	MaxConns      int32         `yaml:"max_conns" env:"MAX_CONNS"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	UnreadQuery   string        `yaml:"unread_query" env:"UNREAD_QUERY"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	ReportSpec string `yaml:"report_spec" env:"REPORT_SPEC"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "herald"
	}

	return &Config{
		NodeID: hostname,
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BufferSize:   100,
			MessageRate:  10,
			MessageBurst: 20,
			MaxMessage:   4096,
		},
		Registry: RegistryConfig{
			MaxConnections:    10000,
			InactivityTimeout: 10 * time.Minute,
			SweepSpec:         "@every 1m",
		},
		Broadcast: BroadcastConfig{
			SendTimeout: 5 * time.Second,
		},
		Batching: BatchingConfig{
			Window: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Store:          "sqlite",
			Lookahead:      time.Minute,
			TTLBuffer:      time.Minute,
			RescanInterval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:       "./herald.db",
			Timeout:    30 * time.Second,
			RetryDelay: 10 * time.Millisecond,
		},
		Redis: RedisConfig{
			RetryAttempts:  3,
			RetryInterval:  5 * time.Second,
			ConnectTimeout: 30 * time.Second,
			PresenceTTL:    15 * time.Minute,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RetryAttempts: 3,
			RetryInterval: 5 * time.Second,
			UnreadQuery:   "SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			ReportSpec: "@every 5m",
		},
		Experiments: map[string][]string{
			variant.BatchSummaryFormat: {"compact", "detailed"},
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, err error) {
		if !ok {
			errs = append(errs, err)
		}
	}

	check(c.NodeID != "", fmt.Errorf("%w: node id cannot be empty", ErrInvalidConfig))

	check(c.HTTP.Host != "", fmt.Errorf("%w: HTTP host cannot be empty", ErrInvalidConfig))
	// Port 0 binds an ephemeral port.
	check(c.HTTP.Port >= 0 && c.HTTP.Port <= 65535, fmt.Errorf("%w: HTTP port must be between 0 and 65535", ErrInvalidConfig))
	check(c.HTTP.ReadTimeout > 0, fmt.Errorf("%w: HTTP read timeout must be positive", ErrInvalidConfig))
	check(c.HTTP.WriteTimeout > 0, fmt.Errorf("%w: HTTP write timeout must be positive", ErrInvalidConfig))

	check(c.WebSocket.PingInterval > 0, fmt.Errorf("%w: WebSocket ping interval must be positive", ErrInvalidConfig))
	check(c.WebSocket.ReadTimeout > c.WebSocket.PingInterval, fmt.Errorf("%w: WebSocket read timeout must exceed ping interval", ErrInvalidConfig))
	check(c.WebSocket.WriteTimeout > 0, fmt.Errorf("%w: WebSocket write timeout must be positive", ErrInvalidConfig))
	check(c.WebSocket.BufferSize > 0, fmt.Errorf("%w: WebSocket buffer size must be positive", ErrInvalidConfig))
	check(c.WebSocket.MessageRate > 0 && c.WebSocket.MessageBurst > 0, fmt.Errorf("%w: WebSocket message rate and burst must be positive", ErrInvalidConfig))

	check(c.Registry.MaxConnections > 0, fmt.Errorf("%w: registry max connections must be positive", ErrInvalidConfig))
	check(c.Registry.InactivityTimeout > 0, fmt.Errorf("%w: registry inactivity timeout must be positive", ErrInvalidConfig))
	check(c.Registry.SweepSpec != "", fmt.Errorf("%w: registry sweep spec cannot be empty", ErrInvalidConfig))

	check(c.Broadcast.SendTimeout > 0, fmt.Errorf("%w: broadcast send timeout must be positive", ErrInvalidConfig))
	check(c.Batching.Window > 0, fmt.Errorf("%w: batching window must be positive", ErrInvalidConfig))

	check(c.Scheduler.Store == "sqlite" || c.Scheduler.Store == "redis",
		fmt.Errorf("%w: scheduler store must be sqlite or redis, got %q", ErrInvalidConfig, c.Scheduler.Store))
	check(c.Scheduler.Store != "redis" || c.Redis.URL != "",
		fmt.Errorf("%w: redis scheduler store requires a redis url", ErrInvalidConfig))
	check(c.Scheduler.Lookahead > 0, fmt.Errorf("%w: scheduler lookahead must be positive", ErrInvalidConfig))
	check(c.Scheduler.TTLBuffer >= 0, fmt.Errorf("%w: scheduler ttl buffer cannot be negative", ErrInvalidConfig))
	check(c.Scheduler.RescanInterval > 0 && c.Scheduler.RescanInterval <= c.Scheduler.Lookahead,
		fmt.Errorf("%w: scheduler rescan interval must be positive and not exceed lookahead", ErrInvalidConfig))

	check(c.Database.Path != "", fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig))
	check(c.Database.Timeout > 0, fmt.Errorf("%w: database timeout must be positive", ErrInvalidConfig))

	check(c.Log.Format == "json" || c.Log.Format == "text",
		fmt.Errorf("%w: log format must be json or text, got %q", ErrInvalidConfig, c.Log.Format))

	for name, variants := range c.Experiments {
		check(len(variants) > 0, fmt.Errorf("%w: experiment %q has no variants", ErrInvalidConfig, name))
	}

	return errors.Join(errs...)
}

// LoadFromEnv applies HERALD_* environment variables (and a .env file in the
// working directory, if present) on top of the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Join(ErrParsingEnv, err)
	}
	return nil
}

// LoadFromFile reads a YAML (or JSON) file over the defaults. Durations are
// written as strings such as "30s" or "5m".
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w %s: %v", ErrParsingFile, path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. An empty path skips the file layer.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

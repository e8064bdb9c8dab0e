// Package config provides configuration management for the meter gateway.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the meter gateway.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device list
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Transport TransportConfig `mapstructure:"transport"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Control   ControlConfig   `mapstructure:"control"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Virtual   VirtualConfig   `mapstructure:"virtual"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HTTPConfig holds the ops HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	PerParameter   bool          `mapstructure:"per_parameter"`

	// CommandTopicPrefix is where control requests arrive
	CommandTopicPrefix string `mapstructure:"command_topic_prefix"`
	// ResponseTopicPrefix is where control results are published
	ResponseTopicPrefix string `mapstructure:"response_topic_prefix"`
}

// TransportConfig holds the Modbus transport policy.
type TransportConfig struct {
	WriteAttempts  int           `mapstructure:"write_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	AttemptDelay   time.Duration `mapstructure:"attempt_delay"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	BreakerEnabled bool          `mapstructure:"breaker_enabled"`
}

// PollingConfig holds polling service configuration.
type PollingConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	Jitter          bool          `mapstructure:"jitter"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ControlConfig holds control execution configuration.
type ControlConfig struct {
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	SkipVerify     bool          `mapstructure:"skip_verify"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AuditTimeout   time.Duration `mapstructure:"audit_timeout"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// RealtimeConfig holds the realtime state configuration.
type RealtimeConfig struct {
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

// VirtualConfig holds virtual device configuration.
type VirtualConfig struct {
	// Enabled turns on the virtual fallback for control writes
	Enabled bool `mapstructure:"enabled"`

	// StatusCacheTTL bounds how long a coil status answer is reused
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`

	// StatusCache selects the cache backend: memory or redis
	StatusCache string `mapstructure:"status_cache"`
}

// RedisConfig holds the redis connection used by the redis status cache.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig holds the audit and history database configuration.
type StorageConfig struct {
	AuditPath        string        `mapstructure:"audit_path"`
	HistoryEnabled   bool          `mapstructure:"history_enabled"`
	HistoryPath      string        `mapstructure:"history_path"`
	HistoryQueueSize int           `mapstructure:"history_queue_size"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	return load(viper.New(), "")
}

// LoadFile loads configuration from an explicit file plus the environment.
func LoadFile(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/meter-gateway")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file, defaults and env vars only
	}

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "meter-gateway")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.topic_prefix", "meters")
	v.SetDefault("mqtt.per_parameter", false)
	v.SetDefault("mqtt.command_topic_prefix", "meters/cmd")
	v.SetDefault("mqtt.response_topic_prefix", "meters/cmd/result")

	// Transport
	v.SetDefault("transport.write_attempts", 3)
	v.SetDefault("transport.attempt_timeout", 1500*time.Millisecond)
	v.SetDefault("transport.attempt_delay", 300*time.Millisecond)
	v.SetDefault("transport.read_timeout", 2*time.Second)
	v.SetDefault("transport.idle_timeout", 2*time.Minute)
	v.SetDefault("transport.breaker_enabled", true)

	// Polling
	v.SetDefault("polling.default_interval", 10*time.Second)
	v.SetDefault("polling.read_timeout", 5*time.Second)
	v.SetDefault("polling.jitter", true)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	// Control
	v.SetDefault("control.settle_delay", 200*time.Millisecond)
	v.SetDefault("control.skip_verify", false)
	v.SetDefault("control.request_timeout", 30*time.Second)
	v.SetDefault("control.audit_timeout", 5*time.Second)
	v.SetDefault("control.workers", 4)
	v.SetDefault("control.queue_size", 256)

	// Realtime and virtual device
	v.SetDefault("realtime.freshness_window", 300*time.Second)
	v.SetDefault("virtual.enabled", true)
	v.SetDefault("virtual.status_cache_ttl", 5*time.Second)
	v.SetDefault("virtual.status_cache", "memory")

	// Redis
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "coilstatus")

	// Storage
	v.SetDefault("storage.audit_path", "./data/audit.db")
	v.SetDefault("storage.history_enabled", true)
	v.SetDefault("storage.history_path", "./data/history.db")
	v.SetDefault("storage.history_queue_size", 1024)
	v.SetDefault("storage.history_retention", 30*24*time.Hour)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	// MQTT
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	// General
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// Redis
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS: %d", c.MQTT.QoS)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Polling.DefaultInterval < time.Second {
		return fmt.Errorf("polling default interval must be at least 1s, got %s", c.Polling.DefaultInterval)
	}
	if c.Transport.WriteAttempts < 2 || c.Transport.WriteAttempts > 4 {
		return fmt.Errorf("transport write attempts must be between 2 and 4, got %d", c.Transport.WriteAttempts)
	}
	if c.Control.Workers <= 0 {
		return fmt.Errorf("control worker count must be positive")
	}
	switch c.Virtual.StatusCache {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis status cache requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown status cache backend %q", c.Virtual.StatusCache)
	}
	if c.Storage.AuditPath == "" {
		return fmt.Errorf("storage audit path is required")
	}
	if c.Storage.HistoryEnabled && c.Storage.HistoryPath == "" {
		return fmt.Errorf("storage history path is required when history is enabled")
	}
	return nil
}

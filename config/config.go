// Package config loads filesfer settings from a YAML file, FILESFER_*
// environment variables and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override, e.g.
// FILESFER_SERVER_PORT=9001.
const EnvPrefix = "FILESFER"

// Config is the complete filesfer configuration.
//
// Sources, highest precedence first:
//  1. Command line flags (applied by the caller)
//  2. Environment variables (FILESFER_*)
//  3. Configuration file (YAML)
//  4. Default values
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// ServerConfig controls the TCP listener and transfers.
type ServerConfig struct {
	// Host is the bind address; empty binds every interface.
	Host string `mapstructure:"host" validate:"omitempty,ip|hostname" yaml:"host"`

	// Port is the TCP port to listen on.
	// Default: 9000
	Port int `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`

	// SharedDir is the directory whose files are served and which receives
	// uploads. Created if missing.
	SharedDir string `mapstructure:"shared_dir" validate:"required" yaml:"shared_dir"`

	// ChunkSize is the payload buffer size per connection.
	// Supports human-readable sizes: "8KiB", "64k".
	// Default: 8KiB
	ChunkSize ByteSize `mapstructure:"chunk_size" validate:"min=512,max=16777216" yaml:"chunk_size"`

	// ShutdownTimeout bounds how long a stop waits for connection handlers.
	// Default: 5s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=console json" yaml:"format"`

	// Dir adds daily-rotated JSON log files in this directory when set.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// EventsConfig controls the event feed and where events are forwarded.
type EventsConfig struct {
	// Retention is the number of recent events kept in memory.
	// Default: 50
	Retention int `mapstructure:"retention" validate:"min=1,max=100000" yaml:"retention"`

	// Redis forwards events to a capped Redis list and a pub/sub channel.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`

	// DiscordWebhook posts every event to a Discord channel when set.
	DiscordWebhook string `mapstructure:"discord_webhook" validate:"omitempty,url" yaml:"discord_webhook"`
}

// RedisConfig configures the Redis event sink. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" validate:"min=0" yaml:"db"`
	Key      string `mapstructure:"key" validate:"required_with=Addr" yaml:"key"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
}

// StoreConfig tunes the shared store.
type StoreConfig struct {
	// ListCacheTTL caches directory listings; 0 disables the cache.
	ListCacheTTL time.Duration `mapstructure:"list_cache_ttl" validate:"gte=0" yaml:"list_cache_ttl"`
}

// Load reads configuration from file, environment and defaults. A missing
// file is not an error.
//
// Parameters:
//   - configPath: Path to the config file; empty uses the default location
//
// Returns:
//   - The loaded and validated Config
//   - An error if the file cannot be parsed or the result is invalid
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad is Load for commands that require an existing config file. It
// returns instructions for creating one when it is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  filesfer init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg as YAML, creating the parent directory.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may carry a Redis password.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// InitConfig writes the default configuration to path, or to the default
// location when path is empty.
//
// Parameters:
//   - path: Target file; empty uses DefaultConfigPath
//   - force: Overwrite an existing file
//
// Returns:
//   - The path written
//   - An error if the file exists and force is false, or the write fails
func InitConfig(path string, force bool) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	if err := SaveConfig(DefaultConfig(), path); err != nil {
		return "", err
	}

	return path, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// FILESFER_LOGGING_LEVEL=debug overrides logging.level.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults keys viper already knows about.
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reports whether a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}

		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shared_dir", d.Server.SharedDir)
	v.SetDefault("server.chunk_size", d.Server.ChunkSize.String())
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("events.retention", d.Events.Retention)
	v.SetDefault("events.redis.addr", d.Events.Redis.Addr)
	v.SetDefault("events.redis.password", d.Events.Redis.Password)
	v.SetDefault("events.redis.db", d.Events.Redis.DB)
	v.SetDefault("events.redis.key", d.Events.Redis.Key)
	v.SetDefault("events.redis.channel", d.Events.Redis.Channel)
	v.SetDefault("events.discord_webhook", d.Events.DiscordWebhook)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("store.list_cache_ttl", d.Store.ListCacheTTL.String())
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "8KiB" and plain numbers to ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration. Raw
// integers are nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/filesfer, falling back to
// ~/.config/filesfer and finally the current directory.
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "filesfer")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "filesfer")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

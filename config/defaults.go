package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultPort            = 9000
	DefaultChunkSize       = ByteSize(8 * 1024)
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRetention       = 50
	DefaultRedisKey        = "filesfer:events"
	DefaultMetricsAddr     = ":9100"
)

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLoggingDefaults(&cfg.Logging)
	applyEventsDefaults(&cfg.Events)

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.SharedDir == "" {
		cfg.SharedDir = DefaultSharedDir()
	}

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}

	if cfg.Format == "" {
		cfg.Format = "console"
	}
}

func applyEventsDefaults(cfg *EventsConfig) {
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}

	if cfg.Redis.Key == "" {
		cfg.Redis.Key = DefaultRedisKey
	}

	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = DefaultRedisKey
	}
}

// DefaultSharedDir returns ~/Filesfer/Shared, or ./Shared when the home
// directory is unknown.
func DefaultSharedDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Shared"
	}

	return filepath.Join(home, "Filesfer", "Shared")
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents soak service configuration
type Config struct {
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Shared allocator configuration
	Allocator AllocatorConfig `yaml:"allocator"`

	// Object pool configuration
	Pool PoolConfig `yaml:"pool"`

	// Soak workload configuration
	Soak SoakConfig `yaml:"soak"`

	// Stats reporting configuration
	Report ReportConfig `yaml:"report"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Interval between configuration file checks (0 disables hot reload)
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents the metrics and health check server
type ServerConfig struct {
	// Metrics and health check port
	MetricsPort int `yaml:"metrics_port"`
}

// AllocatorConfig represents shared allocator configuration
type AllocatorConfig struct {
	// Largest array length a single lease may request
	MaxArrayLength int `yaml:"max_array_length"`

	// Maximum number of elements leased out at once (0 = unlimited)
	MaxOutstanding int64 `yaml:"max_outstanding"`

	// Back leases with an anonymous memory mapping instead of the heap
	Arena ArenaConfig `yaml:"arena"`
}

// ArenaConfig represents the mmap arena allocator
type ArenaConfig struct {
	Enabled  bool `yaml:"enabled"`
	SlotSize int  `yaml:"slot_size"`
	Slots    int  `yaml:"slots"`
}

// PoolConfig represents object pool configuration
type PoolConfig struct {
	// Maximum number of idle objects kept per pool
	MaxSize int `yaml:"max_size"`
}

// SoakConfig represents the soak workload
type SoakConfig struct {
	// Number of concurrent workers
	Workers int `yaml:"workers"`

	// Length of each root lease
	RootLength int `yaml:"root_length"`

	// Children sliced from each root
	Children int `yaml:"children"`

	// Extra owners registered on each child
	ExtraOwners int `yaml:"extra_owners"`

	// Number of rounds claims are held before being released
	ReleaseWindow int `yaml:"release_window"`

	// Pause between rounds (0 = run flat out)
	RoundInterval time.Duration `yaml:"round_interval"`
}

// ReportConfig represents Redis stats reporting
type ReportConfig struct {
	// Publish stats to Redis
	Enabled bool `yaml:"enabled"`

	// Publish interval
	Interval time.Duration `yaml:"interval"`

	// Instance name used in the stats key (defaults to hostname)
	Instance string `yaml:"instance"`

	// Attempts per publish and the delay before the first retry (doubled each time)
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Consecutive failed publishes before publishing pauses for breaker_timeout
	BreakerFailures int64         `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP gRPC collector endpoint; empty disables tracing
	Endpoint string `yaml:"endpoint"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 0 and 65535")
	}

	// Validate allocator configuration
	if cfg.Allocator.MaxArrayLength <= 0 {
		return fmt.Errorf("allocator.max_array_length must be greater than 0")
	}
	if cfg.Allocator.MaxOutstanding < 0 {
		return fmt.Errorf("allocator.max_outstanding must not be negative")
	}
	if cfg.Allocator.Arena.Enabled {
		if cfg.Allocator.Arena.SlotSize <= 0 || cfg.Allocator.Arena.Slots <= 0 {
			return fmt.Errorf("allocator.arena.slot_size and allocator.arena.slots must be greater than 0")
		}
	}

	// Validate pool configuration
	if cfg.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be greater than 0")
	}

	// Validate soak configuration
	if cfg.Soak.Workers <= 0 {
		return fmt.Errorf("soak.workers must be greater than 0")
	}
	if cfg.Soak.RootLength <= 0 {
		return fmt.Errorf("soak.root_length must be greater than 0")
	}
	if cfg.Soak.RootLength > cfg.Allocator.MaxArrayLength {
		return fmt.Errorf("soak.root_length must not exceed allocator.max_array_length")
	}
	if cfg.Allocator.Arena.Enabled && cfg.Soak.RootLength > cfg.Allocator.Arena.SlotSize {
		return fmt.Errorf("soak.root_length must not exceed allocator.arena.slot_size")
	}
	if cfg.Soak.Children < 0 || cfg.Soak.ExtraOwners < 0 {
		return fmt.Errorf("soak.children and soak.extra_owners must not be negative")
	}
	if cfg.Soak.ReleaseWindow <= 0 {
		return fmt.Errorf("soak.release_window must be greater than 0")
	}

	// Validate report configuration
	if cfg.Report.Enabled {
		if cfg.Report.Redis.Addr == "" {
			return fmt.Errorf("report.redis.addr is required when reporting is enabled")
		}
		if cfg.Report.Interval <= 0 {
			return fmt.Errorf("report.interval must be greater than 0")
		}
		if cfg.Report.MaxRetries < 1 {
			return fmt.Errorf("report.max_retries must be greater than 0")
		}
		if cfg.Report.BreakerFailures < 0 || cfg.Report.BreakerTimeout < 0 || cfg.Report.RetryDelay < 0 {
			return fmt.Errorf("report.retry_delay, report.breaker_failures and report.breaker_timeout must not be negative")
		}
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}

	if cfg.Allocator.MaxArrayLength == 0 {
		cfg.Allocator.MaxArrayLength = 1 << 20
	}

	if cfg.Allocator.Arena.Enabled {
		if cfg.Allocator.Arena.SlotSize == 0 {
			cfg.Allocator.Arena.SlotSize = 64 * 1024
		}
		if cfg.Allocator.Arena.Slots == 0 {
			cfg.Allocator.Arena.Slots = 256
		}
	}

	if cfg.Pool.MaxSize == 0 {
		cfg.Pool.MaxSize = 128
	}

	if cfg.Soak.Workers == 0 {
		cfg.Soak.Workers = 4
	}

	if cfg.Soak.RootLength == 0 {
		cfg.Soak.RootLength = 4096
	}

	if cfg.Soak.Children == 0 {
		cfg.Soak.Children = 8
	}

	if cfg.Soak.ReleaseWindow == 0 {
		cfg.Soak.ReleaseWindow = 16
	}

	if cfg.Report.Interval == 0 {
		cfg.Report.Interval = 10 * time.Second
	}

	if cfg.Report.MaxRetries == 0 {
		cfg.Report.MaxRetries = 3
	}

	if cfg.Report.RetryDelay == 0 {
		cfg.Report.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Report.BreakerFailures == 0 {
		cfg.Report.BreakerFailures = 5
	}

	if cfg.Report.BreakerTimeout == 0 {
		cfg.Report.BreakerTimeout = 30 * time.Second
	}

	// Redis defaults
	if cfg.Report.Redis.Addr == "" {
		cfg.Report.Redis.Addr = "localhost:6379"
	}

	if cfg.Report.Redis.KeyPrefix == "" {
		cfg.Report.Redis.KeyPrefix = "zeroalloc:"
	}

	if cfg.Report.Redis.PoolSize == 0 {
		cfg.Report.Redis.PoolSize = 4
	}

	if cfg.Report.Redis.MinIdleConns == 0 {
		cfg.Report.Redis.MinIdleConns = 1
	}

	if cfg.Report.Redis.DialTimeout == 0 {
		cfg.Report.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Report.Redis.ReadTimeout == 0 {
		cfg.Report.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Report.Redis.WriteTimeout == 0 {
		cfg.Report.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}

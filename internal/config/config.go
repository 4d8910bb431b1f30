package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the monitoring service.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DatabaseConfig describes the instrumented database connection.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MonitorConfig tunes the query statistics aggregator.
type MonitorConfig struct {
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	SlowQueryCapacity  int           `mapstructure:"slow_query_capacity"`
	HistoryCapacity    int           `mapstructure:"history_capacity"`
}

// PoolConfig tunes the connection pool monitor and leak detector.
type PoolConfig struct {
	Size               int           `mapstructure:"size"`
	MaxOverflow        int           `mapstructure:"max_overflow"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Recycle            time.Duration `mapstructure:"recycle"`
	LeakThreshold      time.Duration `mapstructure:"leak_threshold"`
	CheckoutSampleSize int           `mapstructure:"checkout_sample_size"`
	TargetUtilization  float64       `mapstructure:"target_utilization"`
}

// CacheConfig tunes the query result cache.
type CacheConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	MaxSizeMB        int           `mapstructure:"max_size_mb"`
	Shards           int           `mapstructure:"shards"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// MaintenanceConfig tunes administrative maintenance routines.
type MaintenanceConfig struct {
	RetentionDays        int           `mapstructure:"retention_days"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
}

// MetricsConfig tunes the Prometheus exporter.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	MetricsPath    string        `mapstructure:"metrics_path"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	Namespace      string        `mapstructure:"namespace"`
}

// LoggingConfig tunes log output and rotation.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"` // json or console
	OutputPath  string `mapstructure:"output_path"`
	Development bool   `mapstructure:"development"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Load reads configuration from the given file, applying defaults and
// environment overrides (DBPULSE_ prefix).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("DBPULSE")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always match the struct tags, so this cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", ":memory:")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("monitor.slow_query_threshold", "2s")
	v.SetDefault("monitor.slow_query_capacity", 100)
	v.SetDefault("monitor.history_capacity", 10000)

	v.SetDefault("pool.size", 10)
	v.SetDefault("pool.max_overflow", 20)
	v.SetDefault("pool.timeout", "30s")
	v.SetDefault("pool.recycle", "1h")
	v.SetDefault("pool.leak_threshold", "5m")
	v.SetDefault("pool.checkout_sample_size", 1000)
	v.SetDefault("pool.target_utilization", 70.0)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.max_size_mb", 64)
	v.SetDefault("cache.shards", 256)
	v.SetDefault("cache.operation_timeout", "250ms")

	v.SetDefault("maintenance.retention_days", 90)
	v.SetDefault("maintenance.housekeeping_interval", "5m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.metrics_path", "/metrics")
	v.SetDefault("metrics.update_interval", "10s")
	v.SetDefault("metrics.namespace", "dbpulse")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.Database.Driver == "" {
		return fmt.Errorf("database.driver is required")
	}

	if cfg.Monitor.SlowQueryThreshold <= 0 {
		return fmt.Errorf("monitor.slow_query_threshold must be positive")
	}
	if cfg.Monitor.SlowQueryCapacity < 1 {
		return fmt.Errorf("monitor.slow_query_capacity must be at least 1")
	}
	if cfg.Monitor.HistoryCapacity < 1 {
		return fmt.Errorf("monitor.history_capacity must be at least 1")
	}

	if cfg.Pool.Size < 0 {
		return fmt.Errorf("pool.size cannot be negative")
	}
	if cfg.Pool.MaxOverflow < 0 {
		return fmt.Errorf("pool.max_overflow cannot be negative")
	}
	if cfg.Pool.LeakThreshold <= 0 {
		return fmt.Errorf("pool.leak_threshold must be positive")
	}
	if cfg.Pool.CheckoutSampleSize < 1 {
		return fmt.Errorf("pool.checkout_sample_size must be at least 1")
	}
	if cfg.Pool.TargetUtilization <= 0 || cfg.Pool.TargetUtilization > 100 {
		return fmt.Errorf("pool.target_utilization must be between 0 and 100")
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.DefaultTTL <= 0 {
			return fmt.Errorf("cache.default_ttl must be positive")
		}
		if cfg.Cache.MaxSizeMB < 1 {
			return fmt.Errorf("cache.max_size_mb must be at least 1")
		}
	}

	if cfg.Maintenance.RetentionDays < 1 {
		return fmt.Errorf("maintenance.retention_days must be at least 1")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}

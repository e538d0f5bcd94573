// Package config defines the layered configuration for permitd: defaults,
// then an optional YAML file, then PERMITTRACER_-prefixed environment
// variables — loaded with koanf exactly as the teacher lineage does.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	App       AppConfig       `koanf:"app"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Database  DatabaseConfig  `koanf:"database"`
	Cache     CacheConfig     `koanf:"cache"`
	Retry     RetryConfig     `koanf:"retry"`
	Geocoder  GeocoderConfig  `koanf:"geocoder"`
	Sweep     SweepConfig     `koanf:"sweep"`
	Classifier ClassifierConfig `koanf:"classifier"`
}

// AppConfig holds process-identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Environment string `koanf:"environment"`
	Debug       bool   `koanf:"debug"`
}

// HTTPConfig configures the minimal external REST surface.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures obslog.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Port    int    `koanf:"port"`
	Path    string `koanf:"path"`
}

// TracingConfig configures otel export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig configures the pgx pool. DSN is read from
// PERMITTRACER_DATABASE_DSN, the one env-only knob spec.md §6 requires.
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// CacheConfig configures the geocoder's persistent cache tier.
type CacheConfig struct {
	Driver     string        `koanf:"driver"` // memory, redis
	Address    string        `koanf:"address"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
}

// RetryConfig holds connector backoff settings (spec.md §4.1). The
// connectors built by cmd/permitd and cmd/permitctl use backoff.Default()
// and do not read these values.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxJitter  time.Duration `koanf:"max_jitter"`
}

// GeocoderConfig configures the external geocoding client (spec.md §4.6).
// BaseURL is read from PERMITTRACER_GEOCODER_BASE_URL. cmd/permitd passes
// BaseURL, UserAgent and RequestTimeout to the client; MinInterval,
// MaxRetries and RetryWait are not read, as geocode.New uses its own fixed
// 1.1s interval, two retries and 3s wait.
type GeocoderConfig struct {
	BaseURL      string        `koanf:"base_url"`
	UserAgent    string        `koanf:"user_agent"`
	MinInterval  time.Duration `koanf:"min_interval"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryWait    time.Duration `koanf:"retry_wait"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// SweepConfig configures the continuous sweep loop (spec.md §4.8).
type SweepConfig struct {
	PassInterval        time.Duration `koanf:"pass_interval"`
	BatchDelay          time.Duration `koanf:"batch_delay"`
	BatchErrorDelay      time.Duration `koanf:"batch_error_delay"`
	SweepErrorDelay      time.Duration `koanf:"sweep_error_delay"`
	ConsecutiveZeroLimit int           `koanf:"consecutive_zero_limit"`
}

// ClassifierConfig points at the roofing-rules document.
type ClassifierConfig struct {
	RulesPath string `koanf:"rules_path"`
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors deep inside the pipeline.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn (PERMITTRACER_DATABASE_DSN) is required")
	}
	if c.Sweep.ConsecutiveZeroLimit <= 0 {
		return fmt.Errorf("sweep.consecutive_zero_limit must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	return nil
}

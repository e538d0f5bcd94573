package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "PERMITTRACER_"
	configEnvVar = "PERMITTRACER_CONFIG_PATH"
)

// Loader loads Config from defaults, an optional YAML file, then env vars,
// each layer overriding the last.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader builds a Loader with the default search paths.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/permittracer/config.yaml",
		},
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the YAML search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.configPaths = paths }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// Load applies defaults, file, then env, and validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := l.loadConfigFile(); err != nil {
		// A config file is optional; a missing one is not fatal.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"app.name":        "permitd",
		"app.environment": "development",
		"app.debug":       false,

		"http.port":             8080,
		"http.read_timeout":     30 * time.Second,
		"http.write_timeout":    30 * time.Second,
		"http.shutdown_timeout": 10 * time.Second,

		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups":  3,
		"log.max_age":      7,
		"log.compress":     true,

		"metrics.enabled": true,
		"metrics.port":    9090,
		"metrics.path":    "/metrics",

		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "permitd",
		"tracing.sample_rate":  0.1,

		"database.max_open_conns":    25,
		"database.max_idle_conns":    5,
		"database.conn_max_lifetime": 5 * time.Minute,
		"database.auto_migrate":      true,

		"cache.driver":      "memory",
		"cache.address":     "localhost:6379",
		"cache.db":          0,
		"cache.default_ttl": 30 * 24 * time.Hour,

		"retry.max_retries": 3,
		"retry.base_delay":  1 * time.Second,
		"retry.max_jitter":  500 * time.Millisecond,

		"geocoder.base_url":       "https://nominatim.openstreetmap.org",
		"geocoder.user_agent":     "permittracer/1.0",
		"geocoder.min_interval":   1100 * time.Millisecond,
		"geocoder.max_retries":    2,
		"geocoder.retry_wait":     3 * time.Second,
		"geocoder.request_timeout": 10 * time.Second,

		"sweep.pass_interval":          5 * time.Minute,
		"sweep.batch_delay":            1 * time.Second,
		"sweep.batch_error_delay":      30 * time.Second,
		"sweep.sweep_error_delay":      60 * time.Second,
		"sweep.consecutive_zero_limit": 3,

		"classifier.rules_path": "config/roofing_rules.yaml",
	}
	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if p := os.Getenv(configEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return l.k.Load(file.Provider(p), yaml.Parser())
		}
	}
	for _, path := range l.configPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return l.k.Load(file.Provider(abs), yaml.Parser())
		}
	}
	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// Only the first underscore separates the section from the key, so
		// PERMITTRACER_GEOCODER_BASE_URL maps to geocoder.base_url.
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, l.envPrefix)),
			"_", ".", 1,
		)
	}), nil)
}

// MustLoad loads a Config or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load loads a Config with the default search paths and env prefix.
func Load() (*Config, error) {
	return NewLoader().Load()
}

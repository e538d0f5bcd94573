package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderAppliesFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "database:\n  dsn: postgres://file/permits\nsweep:\n  consecutive_zero_limit: 5\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PERMITTESTX_HTTP_PORT", "9999")

	loader := NewLoader(WithConfigPaths(path), WithEnvPrefix("PERMITTESTX_"))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Fatalf("expected http.port 9999 from env override, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.DSN != "postgres://file/permits" {
		t.Fatalf("expected DSN from file, got %q", cfg.Database.DSN)
	}
	if cfg.Sweep.ConsecutiveZeroLimit != 5 {
		t.Fatalf("expected consecutive_zero_limit 5, got %d", cfg.Sweep.ConsecutiveZeroLimit)
	}
}

func TestLoaderFailsWithoutDSN(t *testing.T) {
	loader := NewLoader(WithConfigPaths("/nonexistent/config.yaml"), WithEnvPrefix("PERMITTESTY_"))
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected validation error without a DSN")
	}
}

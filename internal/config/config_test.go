package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coopsys/warden/internal/config"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("WARDEN_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	withHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultTTL() != 5*time.Minute {
		t.Fatalf("default ttl = %v, want 5m", cfg.DefaultTTL())
	}
	if cfg.CleanupInterval() != 30*time.Second {
		t.Fatalf("cleanup interval = %v, want 30s", cfg.CleanupInterval())
	}
	if cfg.OrphanThreshold() != 2*time.Minute {
		t.Fatalf("orphan threshold = %v, want 2m", cfg.OrphanThreshold())
	}
	if cfg.MaxDepth != 5 || cfg.MaxChildren != 8 {
		t.Fatalf("tree limits = %d/%d, want 5/8", cfg.MaxDepth, cfg.MaxChildren)
	}
	if cfg.OTel.Exporter != "none" {
		t.Fatalf("otel exporter = %q, want none", cfg.OTel.Exporter)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	home := withHome(t)

	yaml := []byte("default_ttl_ms: 60000\nmax_depth: 3\nlog_level: debug\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Env beats file.
	t.Setenv("WARDEN_MAX_DEPTH", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultTTL() != time.Minute {
		t.Fatalf("ttl = %v, want 1m", cfg.DefaultTTL())
	}
	if cfg.MaxDepth != 4 {
		t.Fatalf("max_depth = %d, want 4 (env override)", cfg.MaxDepth)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	// Unset keys keep their defaults.
	if cfg.MaxChildren != 8 {
		t.Fatalf("max_children = %d, want default 8", cfg.MaxChildren)
	}
}

func TestLoad_SchemaRejectsBadValues(t *testing.T) {
	home := withHome(t)

	yaml := []byte("max_depth: 200\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(); err == nil {
		t.Fatal("expected validation error for max_depth=200")
	}
}

func TestValidate_LogLevelEnum(t *testing.T) {
	withHome(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.LogLevel = "verbose"
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
}

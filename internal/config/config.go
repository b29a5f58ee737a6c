package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OTelConfig mirrors the otel package Config so the YAML file is one document.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Config is the coordinator's configuration surface.
type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// DefaultTTLMs is the lease duration granted to a claim when the caller
	// does not pass one.
	DefaultTTLMs int `yaml:"default_ttl_ms" json:"default_ttl_ms"`

	// CleanupIntervalMs is the sweep tick for expired/orphaned claims and
	// agent timeouts.
	CleanupIntervalMs int `yaml:"cleanup_interval_ms" json:"cleanup_interval_ms"`

	// OrphanThresholdMs marks a claim orphaned when its session heartbeat is
	// older than this.
	OrphanThresholdMs int `yaml:"orphan_threshold_ms" json:"orphan_threshold_ms"`

	// MaxDepth and MaxChildren bound the delegation tree.
	MaxDepth    int `yaml:"max_depth" json:"max_depth"`
	MaxChildren int `yaml:"max_children" json:"max_children"`

	// MaxCacheSize bounds the hierarchy aggregate cache (entries).
	MaxCacheSize int `yaml:"max_cache_size" json:"max_cache_size"`

	// ChildTimeoutMs terminates agents whose work exceeds this age.
	ChildTimeoutMs int `yaml:"child_timeout_ms" json:"child_timeout_ms"`

	// MaxRetries caps delegation retry attempts before giving up.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BackupSchedule is a 5-field cron expression for online DB backups.
	// Empty disables scheduled backups.
	BackupSchedule string `yaml:"backup_schedule" json:"backup_schedule"`

	OTel OTelConfig `yaml:"otel" json:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		DefaultTTLMs:      int(5 * time.Minute / time.Millisecond),
		CleanupIntervalMs: int(30 * time.Second / time.Millisecond),
		OrphanThresholdMs: int(2 * time.Minute / time.Millisecond),
		MaxDepth:          5,
		MaxChildren:       8,
		MaxCacheSize:      256,
		ChildTimeoutMs:    int(10 * time.Minute / time.Millisecond),
		MaxRetries:        3,
		OTel: OTelConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// HomeDir resolves the daemon home directory, honoring WARDEN_HOME.
func HomeDir() string {
	if override := os.Getenv("WARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden")
}

// Load reads <home>/config.yaml, applies env overrides and defaults, and
// validates the result against the embedded schema. A missing file yields
// the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create warden home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	overrideInt := func(envVar string, dst *int) {
		if raw := os.Getenv(envVar); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	overrideInt("WARDEN_DEFAULT_TTL_MS", &cfg.DefaultTTLMs)
	overrideInt("WARDEN_CLEANUP_INTERVAL_MS", &cfg.CleanupIntervalMs)
	overrideInt("WARDEN_ORPHAN_THRESHOLD_MS", &cfg.OrphanThresholdMs)
	overrideInt("WARDEN_MAX_DEPTH", &cfg.MaxDepth)
	overrideInt("WARDEN_MAX_CHILDREN", &cfg.MaxChildren)
	overrideInt("WARDEN_MAX_CACHE_SIZE", &cfg.MaxCacheSize)
	overrideInt("WARDEN_CHILD_TIMEOUT_MS", &cfg.ChildTimeoutMs)
	overrideInt("WARDEN_MAX_RETRIES", &cfg.MaxRetries)
	if raw := os.Getenv("WARDEN_BACKUP_SCHEDULE"); raw != "" {
		cfg.BackupSchedule = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.DefaultTTLMs <= 0 {
		cfg.DefaultTTLMs = def.DefaultTTLMs
	}
	if cfg.CleanupIntervalMs <= 0 {
		cfg.CleanupIntervalMs = def.CleanupIntervalMs
	}
	if cfg.OrphanThresholdMs <= 0 {
		cfg.OrphanThresholdMs = def.OrphanThresholdMs
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = def.MaxChildren
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = def.MaxCacheSize
	}
	if cfg.ChildTimeoutMs <= 0 {
		cfg.ChildTimeoutMs = def.ChildTimeoutMs
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = 1.0
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

// Durations derived from the millisecond fields.

func (c Config) DefaultTTL() time.Duration      { return time.Duration(c.DefaultTTLMs) * time.Millisecond }
func (c Config) CleanupInterval() time.Duration { return time.Duration(c.CleanupIntervalMs) * time.Millisecond }
func (c Config) OrphanThreshold() time.Duration { return time.Duration(c.OrphanThresholdMs) * time.Millisecond }
func (c Config) ChildTimeout() time.Duration    { return time.Duration(c.ChildTimeoutMs) * time.Millisecond }

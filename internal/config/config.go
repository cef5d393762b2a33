// Package config loads the profilegate configuration: store endpoints,
// cache tier TTLs, quota parameters per tenant, state retention, and
// safety rules.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/profilegate/internal/safety"
)

// Duration wraps time.Duration so YAML values can be written as "24h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EtcdConfig locates the shared key-value store.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout"`
	OpTimeout   Duration `yaml:"op_timeout"`
}

// CacheConfig holds tier TTLs and the disk tier location.
type CacheConfig struct {
	MemoryTTL Duration `yaml:"memory_ttl"`
	SharedTTL Duration `yaml:"shared_ttl"`
	DiskTTL   Duration `yaml:"disk_ttl"`
	DiskDir   string   `yaml:"disk_dir"`
}

// QuotaConfig describes a call budget.
type QuotaConfig struct {
	Capacity     int      `yaml:"capacity"`
	RefillWindow Duration `yaml:"refill_window"`
}

// LimiterConfig holds the default quota, burst-smoothing parameters, and
// per-tenant overrides.
type LimiterConfig struct {
	Default  QuotaConfig            `yaml:"default"`
	LowWater float64                `yaml:"low_water"`
	MaxWait  Duration               `yaml:"max_wait"`
	Tenants  map[string]QuotaConfig `yaml:"tenants"`
}

// StateConfig holds task state retention and the optional Postgres
// backend.
type StateConfig struct {
	Retention   Duration `yaml:"retention"`
	PostgresDSN string   `yaml:"postgres_dsn"`
}

// SafetyConfig holds the configurable guard rules.
type SafetyConfig struct {
	Rules []safety.Rule `yaml:"rules"`
}

// Config is the top-level configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Etcd     EtcdConfig    `yaml:"etcd"`
	Cache    CacheConfig   `yaml:"cache"`
	Limiter  LimiterConfig `yaml:"limiter"`
	State    StateConfig   `yaml:"state"`
	Safety   SafetyConfig  `yaml:"safety"`
}

// Default returns the configuration used when no file is given: the
// external API's published authenticated quota of 5000 calls per hour and
// the standard tier TTLs.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Etcd: EtcdConfig{
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: Duration(5 * time.Second),
			OpTimeout:   Duration(2 * time.Second),
		},
		Cache: CacheConfig{
			MemoryTTL: Duration(time.Hour),
			SharedTTL: Duration(24 * time.Hour),
			DiskTTL:   Duration(7 * 24 * time.Hour),
			DiskDir:   defaultDiskDir(),
		},
		Limiter: LimiterConfig{
			Default:  QuotaConfig{Capacity: 5000, RefillWindow: Duration(time.Hour)},
			LowWater: 100,
			MaxWait:  Duration(30 * time.Second),
		},
		State: StateConfig{
			Retention: Duration(7 * 24 * time.Hour),
		},
	}
}

func defaultDiskDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".profilegate/cache"
	}
	return home + "/.profilegate/cache"
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PROFILEGATE_ETCD_ENDPOINTS"); v != "" {
		cfg.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("PROFILEGATE_POSTGRES_DSN"); v != "" {
		cfg.State.PostgresDSN = v
	}
	if v := os.Getenv("PROFILEGATE_DISK_DIR"); v != "" {
		cfg.Cache.DiskDir = v
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Limiter.Default.Capacity <= 0 {
		return fmt.Errorf("limiter default capacity must be positive, got %d", c.Limiter.Default.Capacity)
	}
	if c.Limiter.Default.RefillWindow.Std() <= 0 {
		return fmt.Errorf("limiter default refill window must be positive, got %s", c.Limiter.Default.RefillWindow.Std())
	}
	for tenant, quota := range c.Limiter.Tenants {
		if quota.Capacity <= 0 {
			return fmt.Errorf("tenant %q capacity must be positive, got %d", tenant, quota.Capacity)
		}
		if quota.RefillWindow.Std() <= 0 {
			return fmt.Errorf("tenant %q refill window must be positive, got %s", tenant, quota.RefillWindow.Std())
		}
	}
	if c.Cache.MemoryTTL.Std() <= 0 || c.Cache.SharedTTL.Std() <= 0 || c.Cache.DiskTTL.Std() <= 0 {
		return fmt.Errorf("cache tier TTLs must be positive")
	}
	if c.State.Retention.Std() <= 0 {
		return fmt.Errorf("state retention must be positive, got %s", c.State.Retention.Std())
	}
	return nil
}

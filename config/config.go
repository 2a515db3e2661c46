/*
Package config loads server configuration from a YAML file.

PURPOSE:
  One small struct covering everything the server binary needs: HTTP
  port, database path, calculation tolerance, run deadline, cache TTL,
  and the recalculation scheduler. Flags override file values so a demo
  can run without any file at all.

FILE FORMAT:
  port: 8080
  db_path: ./data/overlay.db
  epsilon: "0.01"
  run_timeout: 2m
  cache_ttl: 30s
  scheduler:
    enabled: true
    check_interval: 5m

SEE ALSO:
  - cmd/server/main.go: Flag handling and overrides
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Port   int    `yaml:"port"`
	DBPath string `yaml:"db_path"`

	// Epsilon is the reconciliation tolerance as a decimal string.
	Epsilon string `yaml:"epsilon"`

	RunTimeout time.Duration `yaml:"run_timeout"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig controls the background recalculation loop.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:       8080,
		DBPath:     "overlay.db",
		Epsilon:    "0.01",
		RunTimeout: 2 * time.Minute,
		CacheTTL:   30 * time.Second,
		Scheduler: SchedulerConfig{
			Enabled:       true,
			CheckInterval: 5 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field ranges and formats.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := decimal.NewFromString(c.Epsilon); err != nil {
		return fmt.Errorf("invalid epsilon %q: %w", c.Epsilon, err)
	}
	if c.RunTimeout < 0 || c.CacheTTL < 0 || c.Scheduler.CheckInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// EpsilonDecimal returns the parsed tolerance. Validate must have passed.
func (c Config) EpsilonDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Epsilon)
	return d
}

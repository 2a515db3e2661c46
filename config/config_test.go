package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "overlay.db", cfg.DBPath)
	assert.Equal(t, "0.01", cfg.Epsilon)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9090
epsilon: "0.001"
run_timeout: 30s
scheduler:
  enabled: false
  check_interval: 1m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "0.001", cfg.Epsilon)
	assert.Equal(t, 30*time.Second, cfg.RunTimeout)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Minute, cfg.Scheduler.CheckInterval)
	// Untouched fields keep their defaults.
	assert.Equal(t, "overlay.db", cfg.DBPath)
}

func TestLoad_MissingFileAndBadYAML(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not an int"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Port = 0 },
		func(c *Config) { c.Port = 70000 },
		func(c *Config) { c.DBPath = "" },
		func(c *Config) { c.Epsilon = "loose" },
		func(c *Config) { c.RunTimeout = -time.Second },
	}
	for _, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), "%+v must fail validation", cfg)
	}
}

func TestEpsilonDecimal_ParsesValidatedValue(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.EpsilonDecimal().Equal(decimal.RequireFromString("0.01")))
}

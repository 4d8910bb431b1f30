package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Monitor.SlowQueryThreshold)
	assert.Equal(t, 100, cfg.Monitor.SlowQueryCapacity)
	assert.Equal(t, 10000, cfg.Monitor.HistoryCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Pool.LeakThreshold)
	assert.Equal(t, 1000, cfg.Pool.CheckoutSampleSize)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
  dsn: postgres://localhost/app
monitor:
  slow_query_threshold: 500ms
pool:
  size: 25
cache:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.SlowQueryThreshold)
	assert.Equal(t, 25, cfg.Pool.Size)
	assert.False(t, cfg.Cache.Enabled)
	// Untouched keys keep their defaults.
	assert.Equal(t, 100, cfg.Monitor.SlowQueryCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty driver", func(c *Config) { c.Database.Driver = "" }},
		{"zero threshold", func(c *Config) { c.Monitor.SlowQueryThreshold = 0 }},
		{"zero slow capacity", func(c *Config) { c.Monitor.SlowQueryCapacity = 0 }},
		{"negative pool size", func(c *Config) { c.Pool.Size = -1 }},
		{"zero leak threshold", func(c *Config) { c.Pool.LeakThreshold = 0 }},
		{"bad utilization", func(c *Config) { c.Pool.TargetUtilization = 150 }},
		{"zero cache ttl", func(c *Config) { c.Cache.DefaultTTL = 0 }},
		{"zero retention", func(c *Config) { c.Maintenance.RetentionDays = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfigIsValid verifies the shipped defaults pass validation.
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	ec := cfg.EngineConfig()
	assert.Equal(t, int64(375*1024), ec.TargetBytes)
	assert.Equal(t, 1920, ec.MaxWidth)
	assert.Equal(t, 1080, ec.MaxHeight)
	assert.Equal(t, 0.90, ec.InitialQuality)
	assert.Equal(t, 0.50, ec.MinQuality)
	assert.Equal(t, 0.05, ec.QualityStep)
	assert.Equal(t, 0.90, ec.ScaleFactor)
	assert.Equal(t, 20, ec.MaxAttempts)
	assert.Equal(t, "jpeg", ec.Format)

	po := cfg.PoolOptions()
	assert.Equal(t, 2, po.MaxWorkers)
	assert.Equal(t, 30*time.Second, po.TaskTimeout)
	assert.Equal(t, 2, po.RetryLimit)

	bo := cfg.BatchOptions()
	assert.Equal(t, int64(5<<20), bo.InlineThreshold)
}

// TestValidateRejectsBadValues covers validation failures.
func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min quality above initial", func(c *Config) { c.Compression.MinQuality = 0.95 }},
		{"scale factor of one", func(c *Config) { c.Compression.ScaleFactor = 1.0 }},
		{"zero target", func(c *Config) { c.Compression.TargetBytes = 0 }},
		{"upload ceiling below target", func(c *Config) { c.Batch.MaxUploadBytes = 1024 }},
		{"no extensions", func(c *Config) { c.SupportedExtensions = nil }},
		{"unknown extension", func(c *Config) { c.SupportedExtensions = []string{".exe"} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestValidateNormalizes verifies extension normalization and zero-value
// backfill for the pool and batch sections.
func TestValidateNormalizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SupportedExtensions = []string{"JPG", ".Png"}
	cfg.Pool.MaxWorkers = 0
	cfg.Pool.TaskTimeout = 0
	cfg.Batch.InlineThreshold = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{".jpg", ".png"}, cfg.SupportedExtensions)
	assert.Equal(t, 2, cfg.Pool.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, int64(5<<20), cfg.Batch.InlineThreshold)
}

// TestLoadConfigFromFile verifies file values override defaults while missing
// keys keep them.
func TestLoadConfigFromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
compression:
  target_bytes: 200000
  max_width: 1280
pool:
  max_workers: 4
  task_timeout: 10s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, int64(200000), cfg.Compression.TargetBytes)
	assert.Equal(t, 1280, cfg.Compression.MaxWidth)
	assert.Equal(t, 1080, cfg.Compression.MaxHeight)
	assert.Equal(t, 4, cfg.Pool.MaxWorkers)
	assert.Equal(t, 10*time.Second, cfg.Pool.TaskTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.90, cfg.Compression.InitialQuality)
}

// TestLoadConfigInvalidFile verifies a config file with invalid values fails
// validation during load.
func TestLoadConfigInvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compression:\n  scale_factor: 2.0\n"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

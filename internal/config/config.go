package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"imgpress/internal/batch"
	"imgpress/internal/engine"
	"imgpress/internal/pool"
	"imgpress/internal/sniff"
)

// Config represents the main configuration structure
type Config struct {
	OutputDirectory     string            `mapstructure:"output_directory"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Compression         CompressionConfig `mapstructure:"compression"`
	Pool                PoolConfig        `mapstructure:"pool"`
	Batch               BatchConfig       `mapstructure:"batch"`
	Logging             LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the single-item compression settings
type CompressionConfig struct {
	TargetBytes    int64   `mapstructure:"target_bytes"`
	MaxWidth       int     `mapstructure:"max_width"`
	MaxHeight      int     `mapstructure:"max_height"`
	InitialQuality float64 `mapstructure:"initial_quality"`
	MinQuality     float64 `mapstructure:"min_quality"`
	QualityStep    float64 `mapstructure:"quality_step"`
	ScaleFactor    float64 `mapstructure:"scale_factor"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	Format         string  `mapstructure:"format"`
}

// PoolConfig contains worker pool scheduler settings
type PoolConfig struct {
	MaxWorkers  int           `mapstructure:"max_workers"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	RetryLimit  int           `mapstructure:"retry_limit"`
}

// BatchConfig contains bulk orchestration settings
type BatchConfig struct {
	InlineThreshold int64 `mapstructure:"inline_threshold"`
	MaxUploadBytes  int64 `mapstructure:"max_upload_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		SupportedExtensions: []string{
			".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif",
		},
		Compression: CompressionConfig{
			TargetBytes:    375 * 1024, // ~500 KB once base64-encoded
			MaxWidth:       1920,
			MaxHeight:      1080,
			InitialQuality: 0.90,
			MinQuality:     0.50,
			QualityStep:    0.05,
			ScaleFactor:    0.90,
			MaxAttempts:    20,
			Format:         "jpeg",
		},
		Pool: PoolConfig{
			MaxWorkers:  2,
			TaskTimeout: 30 * time.Second,
			RetryLimit:  2,
		},
		Batch: BatchConfig{
			InlineThreshold: 5 << 20,
			MaxUploadBytes:  sniff.DefaultMaxUploadBytes,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "imgpress.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.imgpress")
		viper.AddConfigPath("/etc/imgpress")
	}

	// Enable environment variable support
	viper.SetEnvPrefix("IMGPRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal config
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate and normalize config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.EngineConfig().Validate(); err != nil {
		return err
	}

	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = 2
	}
	if c.Pool.TaskTimeout <= 0 {
		c.Pool.TaskTimeout = 30 * time.Second
	}
	if c.Pool.RetryLimit <= 0 {
		c.Pool.RetryLimit = 2
	}

	if c.Batch.InlineThreshold <= 0 {
		c.Batch.InlineThreshold = 5 << 20
	}
	if c.Batch.MaxUploadBytes <= 0 {
		c.Batch.MaxUploadBytes = sniff.DefaultMaxUploadBytes
	}
	if c.Batch.MaxUploadBytes < c.Compression.TargetBytes {
		return fmt.Errorf("max_upload_size (%d) must not be below target_bytes (%d)",
			c.Batch.MaxUploadBytes, c.Compression.TargetBytes)
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)
	if len(c.SupportedExtensions) == 0 {
		return fmt.Errorf("supported_extensions must not be empty")
	}
	for _, ext := range c.SupportedExtensions {
		if sniff.TypeFromExtension(ext) == "" {
			return fmt.Errorf("unsupported extension in config: %s", ext)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// EngineConfig returns the compression engine configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		TargetBytes:    c.Compression.TargetBytes,
		MaxWidth:       c.Compression.MaxWidth,
		MaxHeight:      c.Compression.MaxHeight,
		InitialQuality: c.Compression.InitialQuality,
		MinQuality:     c.Compression.MinQuality,
		QualityStep:    c.Compression.QualityStep,
		ScaleFactor:    c.Compression.ScaleFactor,
		MaxAttempts:    c.Compression.MaxAttempts,
		Format:         c.Compression.Format,
	}
}

// PoolOptions returns the worker pool scheduler options.
func (c *Config) PoolOptions() pool.Options {
	return pool.Options{
		MaxWorkers:  c.Pool.MaxWorkers,
		TaskTimeout: c.Pool.TaskTimeout,
		RetryLimit:  c.Pool.RetryLimit,
	}
}

// BatchOptions returns the bulk orchestrator options.
func (c *Config) BatchOptions() batch.Options {
	return batch.Options{
		InlineThreshold: c.Batch.InlineThreshold,
		MaxUploadBytes:  c.Batch.MaxUploadBytes,
	}
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}

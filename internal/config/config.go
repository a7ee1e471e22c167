// Package config loads the pipeline's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MarkPhamm/local-warehouse-pipeline/internal/metrics"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/source"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/staging"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/warehouse"
	"github.com/MarkPhamm/local-warehouse-pipeline/internal/watermark"
)

// Config is the complete pipeline configuration.
type Config struct {
	Source    SourceConfig     `yaml:"source"`
	Companies []string         `yaml:"companies"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Staging   staging.Config   `yaml:"staging"`
	Warehouse warehouse.Config `yaml:"warehouse"`
	Watermark watermark.Config `yaml:"watermark"`
	Metrics   metrics.Config   `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// SourceConfig configures the CFPB API client.
type SourceConfig struct {
	BaseURL        string      `yaml:"base_url"`
	UserAgent      string      `yaml:"user_agent"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	PageSize       int         `yaml:"page_size"`
	MaxRecords     int         `yaml:"max_records"` // safety cap per company fetch, 0 = unlimited
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig configures the page-request retry policy.
type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	Multiplier          float64 `yaml:"multiplier"`
}

// ToPolicy converts the YAML retry settings to a source.RetryPolicy.
func (c RetryConfig) ToPolicy() source.RetryPolicy {
	p := source.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelaySeconds > 0 {
		p.InitialDelay = time.Duration(c.InitialDelaySeconds * float64(time.Second))
	}
	if c.MaxDelaySeconds > 0 {
		p.MaxDelay = time.Duration(c.MaxDelaySeconds * float64(time.Second))
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	return p
}

// PipelineConfig configures the run coordinator.
type PipelineConfig struct {
	StartDate string `yaml:"start_date"` // first-run lower bound, YYYY-MM-DD
	Workers   int    `yaml:"workers"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Load reads, defaults, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in default values for optional fields.
func (c *Config) ApplyDefaults() {
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = source.DefaultBaseURL
	}
	if c.Source.TimeoutSeconds == 0 {
		c.Source.TimeoutSeconds = 30
	}
	if c.Source.PageSize == 0 {
		c.Source.PageSize = source.MaxPageSize
	}
	if c.Source.Retry.MaxAttempts == 0 {
		c.Source.Retry.MaxAttempts = 3
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	c.Staging.ApplyDefaults()
	c.Warehouse.ApplyDefaults()
	c.Watermark.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Source.UserAgent == "" {
		return fmt.Errorf("source.user_agent is required (the API rejects unidentified clients)")
	}
	if c.Source.PageSize < 1 || c.Source.PageSize > source.MaxPageSize {
		return fmt.Errorf("source.page_size must be between 1 and %d, got: %d",
			source.MaxPageSize, c.Source.PageSize)
	}
	if len(c.Companies) == 0 {
		return fmt.Errorf("at least one company is required")
	}
	if c.Pipeline.StartDate == "" {
		return fmt.Errorf("pipeline.start_date is required")
	}
	if _, err := watermark.ParseDate(c.Pipeline.StartDate); err != nil {
		return fmt.Errorf("pipeline.start_date: %w", err)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got: %d", c.Pipeline.Workers)
	}
	return nil
}

// StartDate returns the parsed first-run lower bound.
func (c *Config) StartDate() watermark.Date {
	d, _ := watermark.ParseDate(c.Pipeline.StartDate)
	return d
}

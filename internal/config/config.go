// Package config provides configuration management for the hospital dataset ETL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"
	"gopkg.in/yaml.v3"
)

// DefaultCatalogURL is the CMS provider-data metastore listing.
const DefaultCatalogURL = "https://data.cms.gov/provider-data/api/1/metastore/schemas/dataset/items"

// Configuration validation errors.
var (
	ErrMissingCatalogURL     = errors.New("catalog.url is required")
	ErrMissingBaseDir        = errors.New("storage.base_dir is required")
	ErrInvalidBackend        = errors.New("storage.backend must be 'local' or 'minio'")
	ErrMissingMinioEndpoint  = errors.New("storage.minio.endpoint is required for the minio backend")
	ErrMissingMinioBucket    = errors.New("storage.minio.bucket is required for the minio backend")
	ErrMissingMinioCreds     = errors.New("storage.minio access_key and secret_key are required")
	ErrInvalidDriver         = errors.New("metadata.driver must be 'sqlite3' or 'pgx'")
	ErrMissingDSN            = errors.New("metadata.dsn is required for the pgx driver")
	ErrInvalidWorkers        = errors.New("pipeline.workers must be at least 1")
	ErrInvalidTimeout        = errors.New("pipeline timeouts must be at least 1 second")
	ErrInvalidRate           = errors.New("pipeline.requests_per_second must be non-negative")
	ErrInvalidOutputFormat   = errors.New("pipeline.output_format must be 'csv' or 'parquet'")
	ErrMissingSchedule       = errors.New("schedule.cron is required")
	ErrInvalidSchedule       = errors.New("schedule.cron is not a valid cron expression")
	ErrInvalidLogLevel       = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidCatalogRetries = errors.New("catalog.max_retries must be non-negative")
	ErrInvalidCatalogRate    = errors.New("catalog.requests_per_second must be non-negative")
)

// Config represents the complete ETL configuration.
type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog"`
	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CatalogConfig controls how datasets are discovered.
type CatalogConfig struct {
	URL        string `yaml:"url"`
	Keyword    string `yaml:"keyword"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
	UserAgent  string `yaml:"user_agent"`
	// RequestsPerSecond throttles listing requests; 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// StorageConfig controls where artifacts are written.
type StorageConfig struct {
	BaseDir string      `yaml:"base_dir"`
	Backend string      `yaml:"backend"`
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig configures the object store backend.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MetadataConfig selects the metadata store backend.
type MetadataConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PipelineConfig tunes the fetch/transform worker pool.
type PipelineConfig struct {
	Workers            int     `yaml:"workers"`
	DownloadTimeoutSec int     `yaml:"download_timeout_sec"`
	WriteTimeoutSec    int     `yaml:"write_timeout_sec"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	OutputFormat       string  `yaml:"output_format"`
}

// ScheduleConfig defines when scheduled runs fire.
type ScheduleConfig struct {
	Cron         string `yaml:"cron"`
	RunOnStartup bool   `yaml:"run_on_startup"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			URL:               DefaultCatalogURL,
			Keyword:           "hospital",
			TimeoutSec:        60,
			MaxRetries:        3,
			UserAgent:         "hospital-etl/1.0",
			RequestsPerSecond: 2,
		},
		Storage: StorageConfig{
			BaseDir: "data",
			Backend: "local",
			Minio: MinioConfig{
				Bucket: "hospital-etl",
			},
		},
		Metadata: MetadataConfig{
			Driver: "sqlite3",
		},
		Pipeline: PipelineConfig{
			Workers:            5,
			DownloadTimeoutSec: 600,
			WriteTimeoutSec:    300,
			RequestsPerSecond:  5,
			OutputFormat:       "csv",
		},
		Schedule: ScheduleConfig{
			Cron:         "0 0 0 * * *",
			RunOnStartup: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file layered over Default.
// An empty path yields the defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides secrets and deployment-specific settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("CATALOG_URL"); v != "" {
		c.Catalog.URL = v
	}
	if v := getenv("ETL_DATA_DIR"); v != "" {
		c.Storage.BaseDir = v
	}
	if v := getenv("METADATA_DRIVER"); v != "" {
		c.Metadata.Driver = v
	}
	if v := getenv("METADATA_DSN"); v != "" {
		c.Metadata.DSN = v
	}
	if v := getenv("MINIO_ENDPOINT"); v != "" {
		c.Storage.Minio.Endpoint = v
	}
	if v := getenv("MINIO_ACCESS_KEY"); v != "" {
		c.Storage.Minio.AccessKey = v
	}
	if v := getenv("MINIO_SECRET_KEY"); v != "" {
		c.Storage.Minio.SecretKey = v
	}
	if v := getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.Minio.UseSSL = b
		}
	}
	if v := getenv("ETL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Workers = n
		}
	}
	if v := getenv("ETL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Catalog.URL) == "" {
		return ErrMissingCatalogURL
	}

	if c.Catalog.TimeoutSec < 1 {
		return fmt.Errorf("%w: catalog.timeout_sec", ErrInvalidTimeout)
	}

	if c.Catalog.MaxRetries < 0 {
		return ErrInvalidCatalogRetries
	}

	if c.Catalog.RequestsPerSecond < 0 {
		return ErrInvalidCatalogRate
	}

	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return ErrMissingBaseDir
	}

	switch c.Storage.Backend {
	case "local":
	case "minio":
		if c.Storage.Minio.Endpoint == "" {
			return ErrMissingMinioEndpoint
		}
		if c.Storage.Minio.Bucket == "" {
			return ErrMissingMinioBucket
		}
		if c.Storage.Minio.AccessKey == "" || c.Storage.Minio.SecretKey == "" {
			return ErrMissingMinioCreds
		}
	default:
		return ErrInvalidBackend
	}

	switch c.Metadata.Driver {
	case "sqlite3":
	case "pgx":
		if c.Metadata.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return ErrInvalidDriver
	}

	if c.Pipeline.Workers < 1 {
		return ErrInvalidWorkers
	}

	if c.Pipeline.DownloadTimeoutSec < 1 || c.Pipeline.WriteTimeoutSec < 1 {
		return ErrInvalidTimeout
	}

	if c.Pipeline.RequestsPerSecond < 0 {
		return ErrInvalidRate
	}

	if c.Pipeline.OutputFormat != "csv" && c.Pipeline.OutputFormat != "parquet" {
		return ErrInvalidOutputFormat
	}

	if strings.TrimSpace(c.Schedule.Cron) == "" {
		return ErrMissingSchedule
	}
	if _, err := cron.Parse(c.Schedule.Cron); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return ErrInvalidLogLevel
	}

	return nil
}

// GetCatalogTimeout returns the catalog request timeout.
func (c *CatalogConfig) GetCatalogTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// GetDownloadTimeout returns the per-task download timeout.
func (p *PipelineConfig) GetDownloadTimeout() time.Duration {
	return time.Duration(p.DownloadTimeoutSec) * time.Second
}

// GetWriteTimeout returns the per-task transform/write timeout.
func (p *PipelineConfig) GetWriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutSec) * time.Second
}

// RawDir is the root for raw artifacts.
func (c *Config) RawDir() string { return filepath.Join(c.Storage.BaseDir, "raw") }

// ProcessedDir is the root for processed artifacts.
func (c *Config) ProcessedDir() string { return filepath.Join(c.Storage.BaseDir, "processed") }

// MetadataDir is the root for the metadata store file.
func (c *Config) MetadataDir() string { return filepath.Join(c.Storage.BaseDir, "metadata") }

// MetadataDSN returns the DSN for the metadata store, defaulting to a sqlite
// file under the metadata root.
func (c *Config) MetadataDSN() string {
	if c.Metadata.DSN != "" {
		return c.Metadata.DSN
	}
	return filepath.Join(c.MetadataDir(), "metadata.db")
}

// String returns a string representation of the config without secrets.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Catalog: %s, Backend: %s, BaseDir: %s, Metadata: %s, Workers: %d, Format: %s}",
		c.Catalog.URL,
		c.Storage.Backend,
		c.Storage.BaseDir,
		c.Metadata.Driver,
		c.Pipeline.Workers,
		c.Pipeline.OutputFormat,
	)
}

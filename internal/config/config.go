// Package config provides configuration for the modelup tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// Compression selects the container written around upgraded buffers.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// Config holds the configuration for upgrade and batch runs.
type Config struct {
	// DataDir is the base directory for local state such as the ledger
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`
	Upgrade UpgradeConfig `json:"upgrade" yaml:"upgrade"`
	Batch   BatchConfig   `json:"batch" yaml:"batch"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Output  OutputConfig  `json:"output" yaml:"output"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// CatalogConfig selects where schema texts come from.
type CatalogConfig struct {
	// SchemaDir overrides the embedded schema texts when set
	SchemaDir string `json:"schema_dir" yaml:"schema_dir"`
}

// UpgradeConfig holds per-buffer upgrade settings.
type UpgradeConfig struct {
	// TargetVersion is the version to upgrade to; -1 is the latest
	TargetVersion int `json:"target_version" yaml:"target_version"`

	// MaxDepth is the maximum table nesting accepted by the reader
	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// BatchConfig holds settings for upgrading many objects.
type BatchConfig struct {
	// Concurrency is the number of parallel upgrades
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// FailFast stops the batch at the first failure
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`

	// LedgerPath is the SQLite ledger file; empty defaults under DataDir
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	// SkipUpgraded skips inputs the ledger already upgraded to the target
	SkipUpgraded bool `json:"skip_upgraded" yaml:"skip_upgraded"`

	// OutputPrefix is prepended to every output key
	OutputPrefix string `json:"output_prefix" yaml:"output_prefix"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// OutputConfig controls how upgraded buffers are written.
type OutputConfig struct {
	Compression Compression `json:"compression" yaml:"compression"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Encoding is json or console
	Encoding string `json:"encoding" yaml:"encoding"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/modelup",
		Upgrade: UpgradeConfig{
			TargetVersion: -1,
			MaxDepth:      64,
		},
		Batch: BatchConfig{
			Concurrency:  4,
			OutputPrefix: "upgraded/",
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Output: OutputConfig{
			Compression: CompressionNone,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/modelup"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Batch.LedgerPath == "" {
		c.Batch.LedgerPath = filepath.Join(c.DataDir, "ledger.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return uperrors.NewConfigError("data_dir is required", nil)
	}
	if c.Upgrade.TargetVersion < -1 {
		return uperrors.NewConfigError(fmt.Sprintf("upgrade.target_version must be -1 or a catalog version, got %d", c.Upgrade.TargetVersion), nil)
	}
	if c.Upgrade.MaxDepth < 1 {
		return uperrors.NewConfigError(fmt.Sprintf("upgrade.max_depth must be positive, got %d", c.Upgrade.MaxDepth), nil)
	}
	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 256 {
		return uperrors.NewConfigError(fmt.Sprintf("batch.concurrency must be between 1 and 256, got %d", c.Batch.Concurrency), nil)
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return uperrors.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be local or s3)", c.Storage.Type), nil)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return uperrors.NewConfigError("s3.bucket is required when storage type is s3", nil)
	}
	switch c.Output.Compression {
	case CompressionNone, CompressionSnappy:
	default:
		return uperrors.NewConfigError(fmt.Sprintf("invalid output.compression: %s (must be none or snappy)", c.Output.Compression), nil)
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return uperrors.NewConfigError(fmt.Sprintf("invalid log.encoding: %s (must be json or console)", c.Log.Encoding), nil)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, uperrors.NewConfigError("failed to read config file", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, uperrors.NewConfigError("failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, uperrors.NewConfigError("failed to parse JSON config", err)
		}
	default:
		return nil, uperrors.NewConfigError(fmt.Sprintf("unsupported config file format: %s", ext), nil)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the MODELUP_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MODELUP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MODELUP_SCHEMA_DIR"); v != "" {
		cfg.Catalog.SchemaDir = v
	}

	// Upgrade configuration
	if v := os.Getenv("MODELUP_TARGET_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Upgrade.TargetVersion = n
		}
	}
	if v := os.Getenv("MODELUP_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Upgrade.MaxDepth = n
		}
	}

	// Batch configuration
	if v := os.Getenv("MODELUP_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Concurrency = n
		}
	}
	if v := os.Getenv("MODELUP_BATCH_FAIL_FAST"); v != "" {
		cfg.Batch.FailFast = v == "true" || v == "1"
	}
	if v := os.Getenv("MODELUP_BATCH_SKIP_UPGRADED"); v != "" {
		cfg.Batch.SkipUpgraded = v == "true" || v == "1"
	}
	if v := os.Getenv("MODELUP_LEDGER_PATH"); v != "" {
		cfg.Batch.LedgerPath = v
	}

	// Storage configuration
	if v := os.Getenv("MODELUP_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("MODELUP_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MODELUP_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("MODELUP_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("MODELUP_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	if v := os.Getenv("MODELUP_OUTPUT_COMPRESSION"); v != "" {
		cfg.Output.Compression = Compression(v)
	}
	if v := os.Getenv("MODELUP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MODELUP_LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
}

// EnsureDirectories creates the local directories the configuration uses.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Batch.LedgerPath)}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return uperrors.NewConfigError(fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}
	return nil
}

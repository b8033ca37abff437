package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `mapstructure:"api" json:"api"`

	// Storage paths
	Storage StorageConfig `mapstructure:"storage" json:"storage"`

	// Upload queue behavior
	Upload UploadConfig `mapstructure:"upload" json:"upload"`

	// Auto-sync behavior
	Sync SyncConfig `mapstructure:"sync" json:"sync"`

	// Quota gating
	Quota QuotaConfig `mapstructure:"quota" json:"quota"`

	// Connectivity probing
	Network NetworkConfig `mapstructure:"network" json:"network"`

	// Logging
	Log LogConfig `mapstructure:"log" json:"log"`
}

// APIConfig for the cloud endpoints (presign, push, pull).
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	ControlTimeout time.Duration `mapstructure:"control_timeout" json:"control_timeout"` // presign/push/pull
	UploadTimeout  time.Duration `mapstructure:"upload_timeout" json:"upload_timeout"`   // binary upload
	UserAgent      string        `mapstructure:"user_agent" json:"user_agent"`
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir" json:"data_dir"`
	ImageDir string `mapstructure:"image_dir" json:"image_dir"` // compressed receipts
	DBPath   string `mapstructure:"db_path" json:"db_path"`     // sqlite database
}

// UploadConfig for the upload queue engine.
type UploadConfig struct {
	MaxAttempts   int             `mapstructure:"max_attempts" json:"max_attempts"`
	RetrySchedule []time.Duration `mapstructure:"retry_schedule" json:"retry_schedule"` // last value repeats

	// Direct S3 mode: when Bucket is set, uploads bypass the presigned PUT
	// and go straight to S3 using permit-scoped credentials.
	S3Bucket string `mapstructure:"s3_bucket" json:"s3_bucket,omitempty"`
	S3Prefix string `mapstructure:"s3_prefix" json:"s3_prefix,omitempty"`
	S3Region string `mapstructure:"s3_region" json:"s3_region,omitempty"`
}

// SyncConfig for the auto-sync service.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// QuotaConfig for local upload rate gating.
type QuotaConfig struct {
	MaxUploads int           `mapstructure:"max_uploads" json:"max_uploads"`
	Window     time.Duration `mapstructure:"window" json:"window"`
}

// NetworkConfig for the connectivity monitor.
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" json:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" json:"probe_timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // text, json
	File       string `mapstructure:"file" json:"file"`               // log file path (empty = stdout)
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"` // rotate threshold
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"` // retention
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".yorutsuke"

	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.yorutsuke.app",
			ControlTimeout: 10 * time.Second,
			UploadTimeout:  60 * time.Second,
			UserAgent:      "yorutsuke-desktop/2.0",
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			ImageDir: filepath.Join(dataDir, "images"),
			DBPath:   filepath.Join(dataDir, "yorutsuke.db"),
		},
		Upload: UploadConfig{
			MaxAttempts:   3,
			RetrySchedule: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		Sync: SyncConfig{
			Interval: 3 * time.Second,
		},
		Quota: QuotaConfig{
			MaxUploads: 50,
			Window:     24 * time.Hour,
		},
		Network: NetworkConfig{
			ProbeURL:      "https://api.yorutsuke.app/health",
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.ControlTimeout <= 0 {
		return errors.New("api.control_timeout must be positive")
	}

	if c.API.UploadTimeout <= 0 {
		return errors.New("api.upload_timeout must be positive")
	}

	if c.Upload.MaxAttempts <= 0 {
		return errors.New("upload.max_attempts must be positive")
	}

	if len(c.Upload.RetrySchedule) == 0 {
		return errors.New("upload.retry_schedule must not be empty")
	}

	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}

	if c.Quota.MaxUploads <= 0 {
		return errors.New("quota.max_uploads must be positive")
	}

	if c.Quota.Window <= 0 {
		return errors.New("quota.window must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.ImageDir,
		filepath.Dir(c.Storage.DBPath),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

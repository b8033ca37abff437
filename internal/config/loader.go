package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file plus YORUTSUKE_ environment
// overrides, layered over DefaultConfig.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix("YORUTSUKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("yorutsuke")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homeConfigDir(); err == nil {
			v.AddConfigPath(home)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// No file is fine; defaults plus env apply.
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// DB and image paths follow data_dir when only data_dir was overridden.
	if v.IsSet("storage.data_dir") && !v.IsSet("storage.db_path") {
		cfg.Storage.DBPath = filepath.Join(cfg.Storage.DataDir, "yorutsuke.db")
	}
	if v.IsSet("storage.data_dir") && !v.IsSet("storage.image_dir") {
		cfg.Storage.ImageDir = filepath.Join(cfg.Storage.DataDir, "images")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.control_timeout", cfg.API.ControlTimeout)
	v.SetDefault("api.upload_timeout", cfg.API.UploadTimeout)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.image_dir", cfg.Storage.ImageDir)
	v.SetDefault("storage.db_path", cfg.Storage.DBPath)

	v.SetDefault("upload.max_attempts", cfg.Upload.MaxAttempts)
	v.SetDefault("upload.retry_schedule", cfg.Upload.RetrySchedule)

	v.SetDefault("sync.interval", cfg.Sync.Interval)

	v.SetDefault("quota.max_uploads", cfg.Quota.MaxUploads)
	v.SetDefault("quota.window", cfg.Quota.Window)

	v.SetDefault("network.probe_url", cfg.Network.ProbeURL)
	v.SetDefault("network.probe_interval", cfg.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", cfg.Network.ProbeTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
}

func homeConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".yorutsuke"), nil
}

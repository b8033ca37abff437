package main

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long:  `Config prints the merged result of defaults, file, and environment.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	if jsonOutput {
		printJSON(cfg)
		return nil
	}

	printInfo("api.base_url:        %s", cfg.API.BaseURL)
	printInfo("api.control_timeout: %s", cfg.API.ControlTimeout)
	printInfo("api.upload_timeout:  %s", cfg.API.UploadTimeout)
	printInfo("storage.data_dir:    %s", cfg.Storage.DataDir)
	printInfo("storage.image_dir:   %s", cfg.Storage.ImageDir)
	printInfo("storage.db_path:     %s", cfg.Storage.DBPath)
	printInfo("upload.max_attempts: %d", cfg.Upload.MaxAttempts)
	printInfo("upload.retry_schedule: %v", cfg.Upload.RetrySchedule)
	if cfg.Upload.S3Bucket != "" {
		printInfo("upload.s3_bucket:    %s", cfg.Upload.S3Bucket)
	}
	printInfo("sync.interval:       %s", cfg.Sync.Interval)
	printInfo("quota.max_uploads:   %d", cfg.Quota.MaxUploads)
	printInfo("quota.window:        %s", cfg.Quota.Window)
	printInfo("network.probe_url:   %s", cfg.Network.ProbeURL)
	printInfo("log.level:           %s", cfg.Log.Level)
	printInfo("log.format:          %s", cfg.Log.Format)
	return nil
}

// Command yorutsuke is the receipt-capture client: drop an image, it gets
// compressed and uploaded, and the extracted ledger stays in sync with the
// cloud.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yorutsuke/yorutsuke/internal/client"
	"github.com/yorutsuke/yorutsuke/internal/config"
	"github.com/yorutsuke/yorutsuke/internal/events"
)

var (
	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client

	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "yorutsuke",
	Short: "Local-first receipt capture and sync",
	Long: `Yorutsuke captures receipt images, compresses them locally, uploads
them through a retrying queue, and keeps extracted transactions in sync
with the cloud ledger.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}

		apiClient, err = client.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file path (default: ./yorutsuke.yaml or ~/.yorutsuke/yorutsuke.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output machine-readable JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// Output helpers

func printSuccess(format string, args ...interface{}) {
	color.Green(format, args...)
}

func printError(format string, args ...interface{}) {
	color.Red(format, args...)
}

func printWarning(format string, args ...interface{}) {
	color.Yellow(format, args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printError("marshal output: %v", err)
		return
	}
	fmt.Println(string(data))
}

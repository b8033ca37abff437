package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/yorutsuke/yorutsuke/internal/client"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture daemon",
	Long: `Run watches the drop directory for receipt images, compresses and
uploads each one, and keeps transactions synced until interrupted.`,
	Example: `  yorutsuke run --watch ~/Desktop/receipts`,
	RunE:    runDaemon,
}

var watchDir string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&watchDir, "watch", "w", "",
		"Directory to watch for dropped receipt images (required)")
	_ = runCmd.MarkFlagRequired("watch")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := apiClient.Auth.CurrentSession(); err != nil {
		return fmt.Errorf("not logged in: %w", err)
	}

	apiClient.Start(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", watchDir, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if !jsonOutput {
		printInfo("Watching %s for receipts (ctrl-c to stop)", watchDir)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors and file managers emit Create then Write; capture
			// on Create and let decode failures reject partial files.
			if !event.Has(fsnotify.Create) {
				continue
			}
			captureDrop(ctx, event.Name)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(werr).Warn("Watcher error")

		case <-sigChan:
			if !jsonOutput {
				printWarning("Shutting down...")
			}
			return nil
		}
	}
}

func captureDrop(ctx context.Context, path string) {
	image, err := apiClient.CaptureReceipt(ctx, path)
	switch {
	case err == nil:
		if jsonOutput {
			printJSON(map[string]interface{}{
				"captured": true,
				"image_id": image.ID,
				"path":     path,
			})
		} else {
			printSuccess("Captured %s (%s)", path, image.ID)
		}
	case errors.Is(err, client.ErrDuplicateReceipt):
		if !jsonOutput {
			printWarning("Skipped duplicate %s", path)
		}
	default:
		logger.WithError(err).WithField("path", path).Warn("Capture failed")
		if !jsonOutput {
			printError("Failed to capture %s: %v", path, err)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yorutsuke/yorutsuke/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync cycle now",
	Long:    `Sync executes the pending push or pull slot immediately.`,
	Example: `  yorutsuke sync`,
	RunE:    runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	session, err := apiClient.Auth.CurrentSession()
	if err != nil {
		return fmt.Errorf("not logged in: %w", err)
	}
	apiClient.Syncer.SetUser(session.UserID)

	slot := apiClient.Syncer.CurrentSlot()
	if err := apiClient.SyncNow(ctx); err != nil {
		if errors.Is(err, syncer.ErrCycleRunning) {
			printWarning("A sync cycle is already running")
			return nil
		}
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"slot":    slot.String(),
				"error":   err.Error(),
			})
		} else {
			printError("Sync failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":   true,
			"slot":      slot.String(),
			"next_slot": apiClient.Syncer.CurrentSlot().String(),
		})
	} else {
		printSuccess("Sync %s completed", slot)
	}
	return nil
}

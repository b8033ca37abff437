package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the upload queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and task states",
	RunE:  runQueueStatus,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [asset-id]",
	Short: "Retry a failed upload, or all failed uploads with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueRetry,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <asset-id>",
	Short: "Remove an upload from the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var retryAll bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRemoveCmd)

	queueRetryCmd.Flags().BoolVar(&retryAll, "all", false, "Retry every failed upload")
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	snap := apiClient.QueueStatus()

	if jsonOutput {
		tasks := make([]map[string]interface{}, 0, len(snap.Tasks))
		for _, task := range snap.Tasks {
			tasks = append(tasks, map[string]interface{}{
				"asset_id":   task.AssetID,
				"state":      task.State.String(),
				"retries":    task.Retries,
				"last_error": task.LastError,
			})
		}
		printJSON(map[string]interface{}{
			"queue_state": snap.State.String(),
			"pause":       snap.Reason.String(),
			"network":     apiClient.NetworkStatus().String(),
			"tasks":       tasks,
		})
		return nil
	}

	state := snap.State.String()
	if snap.Reason.String() != "none" {
		state = fmt.Sprintf("%s (%s)", state, snap.Reason)
	}
	printInfo("Queue: %s, network: %s, %d task(s)", state, apiClient.NetworkStatus(), len(snap.Tasks))

	for _, task := range snap.Tasks {
		line := fmt.Sprintf("  %s  %-10s retries=%d", task.AssetID, task.State, task.Retries)
		if task.LastError != "" {
			line += "  " + task.LastError
		}
		printInfo("%s", line)
	}
	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	switch {
	case retryAll:
		apiClient.Queue.RetryAllFailed()
		printSuccess("Retrying all failed uploads")
	case len(args) == 1:
		apiClient.Queue.Retry(args[0])
		printSuccess("Retrying %s", args[0])
	default:
		return fmt.Errorf("provide an asset id or --all")
	}
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	apiClient.Queue.Remove(args[0])
	printSuccess("Removed %s", args[0])
	return nil
}

package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgesync/forgesync/internal/api"
	"github.com/forgesync/forgesync/internal/models"
	"github.com/forgesync/forgesync/internal/progress"
)

const syncPollInterval = 2 * time.Second

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a sync run on a running server",
	Long: `Submits a sync job to a running forgesyncd instance over its HTTP API
and optionally waits for it to finish.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("server", "http://localhost:8080", "Base URL of the running server")
	syncCmd.Flags().String("mode", "incremental", "Sync mode (full, incremental, single)")
	syncCmd.Flags().String("scope", "", "Scope to sync")
	syncCmd.Flags().String("kind", "", "Resource kind for single mode")
	syncCmd.Flags().String("resource-id", "", "Resource id for single mode")
	syncCmd.Flags().String("priority", "", "Job priority (critical, high, normal, low)")
	syncCmd.Flags().Bool("wait", false, "Wait for the run to finish")
}

func runSync(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	mode, _ := cmd.Flags().GetString("mode")
	scope, _ := cmd.Flags().GetString("scope")
	kind, _ := cmd.Flags().GetString("kind")
	resourceID, _ := cmd.Flags().GetString("resource-id")
	priority, _ := cmd.Flags().GetString("priority")
	wait, _ := cmd.Flags().GetBool("wait")

	req := api.SyncRequest{
		Mode:       models.SyncMode(mode),
		Scope:      scope,
		Kind:       models.ResourceKind(kind),
		ResourceID: resourceID,
		Priority:   priority,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(server+"/api/v1/sync", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr api.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("sync rejected: %s", apiErr.Error)
		}
		return fmt.Errorf("sync rejected with status %d", resp.StatusCode)
	}

	var ack api.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("submitted sync job %s\n", ack.JobID)

	if !wait {
		return nil
	}
	return waitForSync(cmd, client, server, ack.JobID)
}

// waitForSync polls the status endpoint until the job reaches a terminal
// state or the command's context is cancelled
func waitForSync(cmd *cobra.Command, client *http.Client, server, jobID string) error {
	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}

		status, err := fetchSyncStatus(client, server, jobID)
		if err != nil {
			return err
		}

		switch status.State {
		case "completed":
			if status.Run != nil {
				fmt.Printf("sync finished: %d processed, %d failed\n",
					status.Run.ResourcesProcessed, status.Run.ResourcesFailed)
			} else {
				fmt.Println("sync finished")
			}
			return nil
		case "failed", "deadletter", "cancelled":
			return fmt.Errorf("sync job %s ended %s: %s", jobID, status.State, status.LastError)
		}

		if status.Progress != nil {
			fmt.Printf("progress: %d/%d\n", status.Progress.Processed, status.Progress.Total)
		}
	}
}

func fetchSyncStatus(client *http.Client, server, jobID string) (*progress.JobStatus, error) {
	resp, err := client.Get(server + "/api/v1/sync/status/" + jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status lookup failed with status %d", resp.StatusCode)
	}

	var status progress.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}

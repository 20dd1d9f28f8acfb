package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/lanesync/lanesync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show this terminal's sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		progress, err := newClient().progress()
		if err != nil {
			return err
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Terminal "+progress.NodeID))

		if progress.Healthy {
			fmt.Printf("  Health:      %s\n", ui.RenderPass("ok"))
		} else {
			fmt.Printf("  Health:      %s\n", ui.RenderFail("degraded (local storage unavailable)"))
		}
		if progress.IsSynced {
			fmt.Printf("  Sync:        %s\n", ui.RenderPass("up to date"))
		} else {
			fmt.Printf("  Sync:        %s\n", ui.RenderWarn(fmt.Sprintf("%d changes pending", progress.PendingChanges)))
		}
		if progress.LastSync != nil {
			fmt.Printf("  Last sync:   %s\n", progress.LastSync.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("  Last sync:   %s\n", ui.RenderDim("never"))
		}
		fmt.Printf("  Peers:       %d connected\n", progress.ConnectedPeers)
		fmt.Printf("  Queue:       %d pending, %d in flight, %d failed\n",
			progress.Queue.Pending, progress.Queue.Processing, progress.Queue.Failed)
		fmt.Println()
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Trigger a sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status string `json:"status"`
		}
		err := newClient().post("/sync/trigger", nil, &resp,
			http.StatusAccepted, http.StatusConflict)
		if err != nil {
			return err
		}

		if resp.Status == "busy" {
			fmt.Printf("%s Sync already in progress\n", ui.RenderWarn("⚠"))
			return nil
		}
		fmt.Printf("%s Sync started\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}

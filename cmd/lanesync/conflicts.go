package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		conflicts, err := newClient().conflicts()
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No pending conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader(fmt.Sprintf("%d pending conflicts", len(conflicts))))
		for i := range conflicts {
			c := &conflicts[i]

			fmt.Printf("  %s %s %s on %s %s\n",
				ui.RenderWarn("⚠"),
				c.Conflict.ConflictID,
				ui.RenderAccent(string(c.Conflict.Type)),
				c.Conflict.ResourceType,
				c.Conflict.ResourceID)
			fmt.Printf("    detected %s, remote node %s\n",
				c.Conflict.DetectedAt.Local().Format("2006-01-02 15:04:05"),
				c.Snapshot.RemoteNode)
			fmt.Printf("    local:  %s %s\n", compactJSON(c.LocalData), ui.RenderDim(c.LocalVector.String()))
			fmt.Printf("    remote: %s %s\n", compactJSON(c.Snapshot.RemoteData), ui.RenderDim(c.Snapshot.RemoteVector.String()))
		}
		fmt.Println()
		fmt.Printf("Resolve with: lanesync conflicts resolve <id> --strategy local_wins|remote_wins\n")
		fmt.Printf("          or: lanesync conflicts resolve <id> --strategy manual --data '<json>'\n")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		data, _ := cmd.Flags().GetString("data")

		req := model.ResolveRequest{
			ConflictID: args[0],
			Resolution: model.ResolutionStrategy(strategy),
		}
		if data != "" {
			req.MergedData = json.RawMessage(data)
		}
		if err := req.Validate(); err != nil {
			return err
		}

		if err := newClient().post("/sync/conflicts/resolve", req, nil); err != nil {
			return err
		}
		fmt.Printf("%s Conflict %s resolved (%s)\n", ui.RenderPass("✓"), args[0], strategy)
		return nil
	},
}

// compactJSON renders a payload on one line, or a placeholder when
// empty.
func compactJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return ui.RenderDim("(no data)")
	}
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		return string(data)
	}
	out, err := json.Marshal(buf)
	if err != nil {
		return string(data)
	}
	return string(out)
}

func init() {
	conflictsResolveCmd.Flags().String("strategy", "", "local_wins, remote_wins, or manual")
	conflictsResolveCmd.Flags().String("data", "", "merged JSON payload for manual resolution")
	conflictsResolveCmd.MarkFlagRequired("strategy")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

// Command lanesync runs and operates a point-of-sale sync terminal.
//
// The serve command runs the terminal daemon; the remaining commands
// talk to a running daemon over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the --config flag, consumed by serve and
	// init-config.
	configPath string

	// daemonAddr is the --addr flag pointing client commands at a
	// running daemon.
	daemonAddr string
)

var rootCmd = &cobra.Command{
	Use:   "lanesync",
	Short: "Offline-first sync for point-of-sale terminals",
	Long: `LaneSync keeps a store's point-of-sale terminals converged.

Every terminal owns a local SQLite database and keeps trading when the
network is down. Changes carry version vectors; terminals exchange them
over the store LAN, detect conflicting edits, and queue unreachable
peers for retry.

Run a terminal:
  lanesync serve

Operate a running terminal:
  lanesync status
  lanesync sync
  lanesync devices
  lanesync pair --name back-office --address 192.168.1.21 --port 8480
  lanesync conflicts list
  lanesync conflicts resolve <conflict-id> --strategy remote_wins`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "network", Title: "Network:"},
	)
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://127.0.0.1:8480",
		"address of the running terminal daemon")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lanesync/lanesync/internal/config"
	"github.com/lanesync/lanesync/internal/daemon"
	"github.com/lanesync/lanesync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "daemon",
	Short:   "Run the terminal sync daemon",
	Long: `Run this terminal's sync daemon.

The daemon:
  1. Opens the local sync database (data_dir/sync.db)
  2. Serves the sync HTTP API on sync_port
  3. Announces presence over UDP and listens for peers
  4. Syncs with paired peers every sync_interval
  5. Retries deferred operations every retry_interval

Configuration is read from --config, ./lanesync.yaml, or
~/.lanesync/lanesync.yaml; environment variables use the LANESYNC_
prefix. Interval changes in the config file apply without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(configPath)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting LaneSync terminal %q\n", ui.RenderAccent("▶"), cfg.NodeName)
		fmt.Printf("  Sync API on :%d", cfg.SyncPort)
		if cfg.DiscoveryPort > 0 {
			fmt.Printf(", discovery on :%d", cfg.DiscoveryPort)
		}
		fmt.Println()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return daemon.New(cfg, loader).Start(ctx)
	},
}

var initConfigCmd = &cobra.Command{
	Use:     "init-config",
	GroupID: "daemon",
	Short:   "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "lanesync.yaml"
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	initConfigCmd.Flags().StringVar(&configPath, "config", "", "path to write (default lanesync.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initConfigCmd)
}

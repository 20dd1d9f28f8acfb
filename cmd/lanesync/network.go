package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/ui"
)

// peerStaleHorizon matches the daemon default; the CLI only renders
// staleness, the daemon decides connectivity.
const peerStaleHorizon = 2 * time.Minute

var devicesCmd = &cobra.Command{
	Use:     "devices",
	GroupID: "network",
	Short:   "List known terminals on the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := newClient().devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Printf("%s No devices known yet; waiting for discovery or pairing\n", ui.RenderDim("·"))
			return nil
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader("Known devices"))
		now := time.Now().UTC()
		for i := range devices {
			d := &devices[i]

			marker := ui.RenderDim("·")
			state := "discovered"
			if d.Paired {
				marker = ui.RenderPass("✓")
				state = "paired"
			}
			if d.Stale(peerStaleHorizon, now) {
				state += ", " + ui.RenderWarn("stale")
			}

			fmt.Printf("  %s %-20s %-21s %s\n", marker, d.Name, d.HostPort(), ui.RenderDim("("+state+")"))
			fmt.Printf("    %s\n", ui.RenderDim("node "+d.NodeID))
		}
		fmt.Println()
		return nil
	},
}

var pairCmd = &cobra.Command{
	Use:     "pair",
	GroupID: "network",
	Short:   "Pair with a terminal by address",
	Long: `Pair this terminal with another one so they sync.

The target is contacted immediately to verify it answers and to learn
its node identity. Discovery finds devices automatically, but only
paired devices take part in sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")

		var peer model.PeerDevice
		err := newClient().post("/network/pair", model.PairRequest{
			Name:    name,
			Address: address,
			Port:    port,
		}, &peer)
		if err != nil {
			return err
		}

		fmt.Printf("%s Paired with %s (%s, node %s)\n",
			ui.RenderPass("✓"), peer.Name, peer.HostPort(), peer.NodeID)
		return nil
	},
}

func init() {
	pairCmd.Flags().String("name", "", "name for the device")
	pairCmd.Flags().String("address", "", "device IP address or hostname")
	pairCmd.Flags().Int("port", 8480, "device sync port")
	pairCmd.MarkFlagRequired("name")
	pairCmd.MarkFlagRequired("address")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(pairCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dataRoot string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetd operator CLI",
		Long:  "Manage tenants, pools, and instances on a node, and talk to the node control plane and coordinator proxy",
	}

	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "/var/lib/fleetd", "Agent data root (for commands that read/write local state directly)")

	rootCmd.AddCommand(
		tenantCmd(),
		poolCmd(),
		instanceCmd(),
		nodeCmd(),
		coordinatorCmd(),
		netCmd(),
		agentCmd(),
		eventsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/fleetforge/fleetd/internal/controlplane"
	"github.com/spf13/cobra"
)

// nodeCmd talks to a remote agent's control plane (spec §6.4), the
// wire-level counterpart to the locally-scoped tenant/pool/instance
// groups above.
func nodeCmd() *cobra.Command {
	var (
		addr     string
		caFile   string
		certFile string
		keyFile  string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Query a node's control plane",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:4433", "Node control plane address")
	cmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for verifying the node")
	cmd.PersistentFlags().StringVar(&certFile, "cert", "", "Client certificate for mTLS")
	cmd.PersistentFlags().StringVar(&keyFile, "key", "", "Client key for mTLS")
	cmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Dial without TLS (development only)")

	dial := func() (*nodeClient, error) {
		return dialNode(addr, caFile, certFile, keyFile, insecure)
	}

	cmd.AddCommand(nodeInfoCmd(dial), nodeStatsCmd(dial), nodeDiskCmd(dial), nodeGCCmd(dial))
	return cmd
}

type dialFunc func() (*nodeClient, error)

func nodeInfoCmd(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show node hardware/capability info",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.close()

			var resp controlplane.NodeInfoResponse
			if err := c.call(controlplane.ReqNodeInfo, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Node ID:             %s\n", resp.NodeID)
			fmt.Printf("Architecture:        %s\n", resp.Architecture)
			fmt.Printf("vCPUs:               %d\n", resp.VCPUs)
			fmt.Printf("Memory:              %d MiB\n", resp.MemMiB)
			fmt.Printf("Jailer available:    %v\n", resp.JailerAvailable)
			fmt.Printf("cgroup v2 available: %v\n", resp.CgroupV2Available)
			fmt.Printf("Attestation:         %s\n", resp.AttestationProvider)
			return nil
		},
	}
}

func nodeStatsCmd(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the node's aggregate instance/memory stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.close()

			var resp controlplane.NodeStatsResponse
			if err := c.call(controlplane.ReqNodeStats, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Memory used:    %d MiB\n", resp.MemUsedMiB)
			fmt.Printf("Snapshot bytes: %d\n", resp.SnapshotBytes)
			for status, count := range resp.ByStatus {
				fmt.Printf("  %-10s %d\n", status, count)
			}
			return nil
		},
	}
}

// nodeDiskCmd is a stub: per-node disk usage accounting lives with
// whatever volume manager owns /var/lib/fleetd's filesystem, which the
// control plane's closed request set (spec §4.12) does not expose.
func nodeDiskCmd(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "disk",
		Short: "Show node disk usage (not wired; see node stats)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Disk usage isn't part of the control plane's wire protocol; check the data root's filesystem directly, or use 'node stats' for snapshot byte totals.")
			return nil
		},
	}
}

// nodeGCCmd is a stub for the same reason: the control plane has no
// wire-level GC trigger. Destroy already deletes an instance's
// directory; use 'pool gc' for any leftover records marked Destroyed.
func nodeGCCmd(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Trigger node-level garbage collection (not wired; see pool gc)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("The control plane has no remote GC trigger; destroy already removes an instance's directory, or use 'pool gc' for leftover instance records.")
			return nil
		},
	}
}

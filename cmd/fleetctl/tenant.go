package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"os"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/spf13/cobra"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(
		tenantCreateCmd(),
		tenantListCmd(),
		tenantInfoCmd(),
		tenantDestroyCmd(),
		tenantSecretsCmd(),
	)
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var (
		netID      int
		subnet     string
		gatewayIP  string
		bridge     string
		maxVCPUs   uint32
		maxMemMiB  uint64
		maxRunning uint32
		maxWarm    uint32
		maxPools   uint32
		pinned     bool
	)

	cmd := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			t := &domain.Tenant{
				TenantID: args[0],
				Network: domain.Network{
					TenantNetID: netID,
					IPv4Subnet:  subnet,
					GatewayIP:   gatewayIP,
					BridgeName:  bridge,
				},
				Quotas: domain.Quotas{
					MaxVCPUs:   maxVCPUs,
					MaxMemMiB:  maxMemMiB,
					MaxRunning: maxRunning,
					MaxWarm:    maxWarm,
					MaxPools:   maxPools,
				},
				Pinned:    pinned,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := store.SaveTenant(t); err != nil {
				return err
			}
			fmt.Printf("Tenant '%s' created (net_id=%d, bridge=%s)\n", t.TenantID, netID, bridge)
			return nil
		},
	}

	cmd.Flags().IntVar(&netID, "net-id", 0, "Tenant network ID (required)")
	cmd.Flags().StringVar(&subnet, "subnet", "", "IPv4 subnet, e.g. 10.10.0.0/24 (required)")
	cmd.Flags().StringVar(&gatewayIP, "gateway-ip", "", "Bridge gateway IP (required)")
	cmd.Flags().StringVar(&bridge, "bridge", "", "Bridge name, e.g. br-tenant-3 (required)")
	cmd.Flags().Uint32Var(&maxVCPUs, "max-vcpus", 0, "Quota: max total vCPUs (0 allows none)")
	cmd.Flags().Uint64Var(&maxMemMiB, "max-mem-mib", 0, "Quota: max total memory MiB (0 allows none)")
	cmd.Flags().Uint32Var(&maxRunning, "max-running", 0, "Quota: max Running instances (0 allows none)")
	cmd.Flags().Uint32Var(&maxWarm, "max-warm", 0, "Quota: max Warm instances (0 allows none)")
	cmd.Flags().Uint32Var(&maxPools, "max-pools", 0, "Quota: max pools (0 allows none)")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "Keep reconcile from pruning this tenant when it is absent from the desired state")
	cmd.MarkFlagRequired("net-id")
	cmd.MarkFlagRequired("subnet")
	cmd.MarkFlagRequired("gateway-ip")
	cmd.MarkFlagRequired("bridge")

	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			ids, err := store.ListTenants()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TENANT\tNET_ID\tSUBNET\tPINNED")
			for _, id := range ids {
				t, err := store.LoadTenant(id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%v\n", t.TenantID, t.Network.TenantNetID, t.Network.IPv4Subnet, t.Pinned)
			}
			return w.Flush()
		},
	}
}

func tenantInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tenant-id>",
		Short: "Show tenant details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			t, err := store.LoadTenant(args[0])
			if err != nil {
				return err
			}
			pools, _ := store.ListPools(t.TenantID)
			fmt.Printf("Tenant:      %s\n", t.TenantID)
			fmt.Printf("Net ID:      %d\n", t.Network.TenantNetID)
			fmt.Printf("Subnet:      %s\n", t.Network.IPv4Subnet)
			fmt.Printf("Gateway IP:  %s\n", t.Network.GatewayIP)
			fmt.Printf("Bridge:      %s\n", t.Network.BridgeName)
			fmt.Printf("Pinned:      %v\n", t.Pinned)
			fmt.Printf("Pools:       %d\n", len(pools))
			fmt.Printf("Created:     %s\n", t.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func tenantDestroyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy <tenant-id>",
		Short: "Destroy a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			pools, err := store.ListPools(args[0])
			if err != nil {
				return err
			}
			if len(pools) > 0 && !force {
				fmt.Printf("Tenant '%s' still has %d pool(s); use --force to destroy anyway\n", args[0], len(pools))
				return nil
			}
			if err := store.DeleteTenant(args[0]); err != nil {
				return err
			}
			fmt.Printf("Tenant '%s' destroyed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Destroy even if pools remain")
	return cmd
}

// tenantSecretsCmd is a thin placeholder: per-tenant secret material
// lives at /var/lib/<app>/keys/<tenant>.key (spec §6.6), managed by
// whatever KMS or file-drop process the operator's environment uses,
// not by this CLI.
func tenantSecretsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secrets <tenant-id>",
		Short: "Show where a tenant's volume encryption key is expected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Expected key path: /var/lib/fleetd/keys/%s.key (mode 0600)\n", args[0])
			fmt.Println("This CLI does not generate or rotate key material; place it there directly or via your KMS integration.")
			return nil
		},
	}
}

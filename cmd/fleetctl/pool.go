package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/spf13/cobra"
)

func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage pools",
	}
	cmd.AddCommand(
		poolCreateCmd(),
		poolListCmd(),
		poolInfoCmd(),
		poolDestroyCmd(),
		poolBuildCmd(),
		poolScaleCmd(),
		poolGCCmd(),
		poolRollbackCmd(),
	)
	return cmd
}

func poolCreateCmd() *cobra.Command {
	var (
		role        string
		profile     string
		flakeRef    string
		vcpus       uint8
		memMiB      uint32
		dataDiskMiB uint32
		running     uint32
		warm        uint32
		sleeping    uint32
		compression string
		seccomp     string
	)

	cmd := &cobra.Command{
		Use:   "create <tenant-id> <pool-id>",
		Short: "Create a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			if _, err := store.LoadTenant(args[0]); err != nil {
				return fmt.Errorf("tenant %s: %w", args[0], err)
			}

			policy := domain.RuntimePolicy{}
			policy.ApplyDefaults()

			p := &domain.Pool{
				TenantID: args[0],
				PoolID:   args[1],
				Role:     domain.Role(role),
				Profile:  profile,
				FlakeRef: flakeRef,
				InstanceResources: domain.InstanceResources{
					VCPUs:       vcpus,
					MemMiB:      memMiB,
					DataDiskMiB: dataDiskMiB,
				},
				DesiredCounts: domain.DesiredCounts{
					Running:  running,
					Warm:     warm,
					Sleeping: sleeping,
				},
				SeccompPolicy:       domain.SeccompPolicy(seccomp),
				SnapshotCompression: domain.Compression(compression),
				RuntimePolicy:       policy,
				CreatedAt:           time.Now(),
				UpdatedAt:           time.Now(),
			}
			if err := store.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("Pool '%s/%s' created (role=%s, profile=%s)\n", p.TenantID, p.PoolID, p.Role, p.Profile)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "worker", "Pool role (gateway, builder, worker, capability-<name>)")
	cmd.Flags().StringVar(&profile, "profile", "", "Profile name (required)")
	cmd.Flags().StringVar(&flakeRef, "flake-ref", "", "Guest image build reference (required)")
	cmd.Flags().Uint8Var(&vcpus, "vcpus", 1, "vCPUs per instance")
	cmd.Flags().Uint32Var(&memMiB, "mem-mib", 256, "Memory MiB per instance")
	cmd.Flags().Uint32Var(&dataDiskMiB, "data-disk-mib", 0, "Data disk MiB per instance (0 = none)")
	cmd.Flags().Uint32Var(&running, "desired-running", 0, "Desired Running count")
	cmd.Flags().Uint32Var(&warm, "desired-warm", 0, "Desired Warm count")
	cmd.Flags().Uint32Var(&sleeping, "desired-sleeping", 0, "Desired Sleeping count")
	cmd.Flags().StringVar(&compression, "snapshot-compression", "none", "Snapshot compression (none, lz4, zstd)")
	cmd.Flags().StringVar(&seccomp, "seccomp", "baseline", "Seccomp policy (baseline, strict)")
	cmd.MarkFlagRequired("profile")
	cmd.MarkFlagRequired("flake-ref")

	return cmd
}

func poolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <tenant-id>",
		Aliases: []string{"ls"},
		Short:   "List a tenant's pools",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			ids, err := store.ListPools(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tROLE\tPROFILE\tDESIRED(R/W/S)")
			for _, id := range ids {
				p, err := store.LoadPool(args[0], id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d/%d\n", p.PoolID, p.Role, p.Profile,
					p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping)
			}
			return w.Flush()
		},
	}
}

func poolInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tenant-id> <pool-id>",
		Short: "Show pool details",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			p, err := store.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			instances, _ := store.ListInstances(args[0], args[1])
			fmt.Printf("Pool:            %s/%s\n", p.TenantID, p.PoolID)
			fmt.Printf("Role:            %s\n", p.Role)
			fmt.Printf("Profile:         %s\n", p.Profile)
			fmt.Printf("Flake ref:       %s\n", p.FlakeRef)
			fmt.Printf("Resources:       %d vCPU, %d MiB mem, %d MiB disk\n",
				p.InstanceResources.VCPUs, p.InstanceResources.MemMiB, p.InstanceResources.DataDiskMiB)
			fmt.Printf("Desired:         running=%d warm=%d sleeping=%d\n",
				p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping)
			fmt.Printf("Current rev:     %s\n", p.CurrentRevisionHash)
			fmt.Printf("Instances:       %d\n", len(instances))
			return nil
		},
	}
}

func poolDestroyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "destroy <tenant-id> <pool-id>",
		Short: "Destroy a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			instances, err := store.ListInstances(args[0], args[1])
			if err != nil {
				return err
			}
			if len(instances) > 0 && !force {
				fmt.Printf("Pool '%s/%s' still has %d instance(s); use --force, or destroy them first\n", args[0], args[1], len(instances))
				return nil
			}
			if err := store.DeletePool(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Pool '%s/%s' destroyed\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Destroy even if instances remain")
	return cmd
}

// poolBuildCmd triggers the guest-image build pipeline a pool's
// flake_ref names. That pipeline is an external collaborator (spec §1
// names it explicitly out of scope for this agent), so this command
// only reports what revision a successful build must register.
func poolBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <tenant-id> <pool-id>",
		Short: "Trigger a guest image build for a pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			p, err := store.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Pool '%s/%s' builds from %s; invoke your build pipeline and register\n", p.TenantID, p.PoolID, p.FlakeRef)
			fmt.Println("the resulting revision with the agent's reconcile desired state, not this CLI directly.")
			return nil
		},
	}
}

func poolScaleCmd() *cobra.Command {
	var running, warm, sleeping int32

	cmd := &cobra.Command{
		Use:   "scale <tenant-id> <pool-id>",
		Short: "Update a pool's desired counts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			p, err := store.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("running") {
				p.DesiredCounts.Running = uint32(running)
			}
			if cmd.Flags().Changed("warm") {
				p.DesiredCounts.Warm = uint32(warm)
			}
			if cmd.Flags().Changed("sleeping") {
				p.DesiredCounts.Sleeping = uint32(sleeping)
			}
			p.UpdatedAt = time.Now()
			if err := store.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("Pool '%s/%s' desired counts: running=%d warm=%d sleeping=%d\n",
				p.TenantID, p.PoolID, p.DesiredCounts.Running, p.DesiredCounts.Warm, p.DesiredCounts.Sleeping)
			fmt.Println("The agent's reconcile ticker applies this on its next tick.")
			return nil
		},
	}

	cmd.Flags().Int32Var(&running, "running", 0, "New desired Running count")
	cmd.Flags().Int32Var(&warm, "warm", 0, "New desired Warm count")
	cmd.Flags().Int32Var(&sleeping, "sleeping", 0, "New desired Sleeping count")
	return cmd
}

func poolGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <tenant-id> <pool-id>",
		Short: "Remove leftover instance records whose status is Destroyed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			ids, err := store.ListInstances(args[0], args[1])
			if err != nil {
				return err
			}
			removed := 0
			for _, id := range ids {
				inst, err := store.LoadInstance(args[0], args[1], id)
				if err != nil {
					continue
				}
				if inst.Status == domain.StatusDestroyed {
					if err := store.DeleteInstance(args[0], args[1], id); err == nil {
						removed++
					}
				}
			}
			fmt.Printf("Removed %d destroyed instance record(s) from '%s/%s'\n", removed, args[0], args[1])
			return nil
		},
	}
}

func poolRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <tenant-id> <pool-id> <revision-hash>",
		Short: "Point a pool back at a previously built revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			p, err := store.LoadPool(args[0], args[1])
			if err != nil {
				return err
			}
			if _, err := store.LoadRevision(args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("revision %s not found for %s/%s: %w", args[2], args[0], args[1], err)
			}
			if err := store.SetCurrentRevision(args[0], args[1], args[2]); err != nil {
				return err
			}
			p.CurrentRevisionHash = args[2]
			p.UpdatedAt = time.Now()
			if err := store.SavePool(p); err != nil {
				return err
			}
			fmt.Printf("Pool '%s/%s' rolled back to revision %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

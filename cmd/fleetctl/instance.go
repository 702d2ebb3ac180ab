package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/spf13/cobra"
)

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage instances",
	}
	cmd.AddCommand(
		instanceCreateCmd(),
		instanceListCmd(),
		instanceStartCmd(),
		instanceWarmCmd(),
		instanceSleepCmd(),
		instanceWakeCmd(),
		instanceStopCmd(),
		instanceSSHCmd(),
		instanceStatsCmd(),
		instanceLogsCmd(),
		instanceDestroyCmd(),
	)
	return cmd
}

func instanceCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <tenant-id> <pool-id> <instance-id>",
		Short: "Create an instance record (Created state)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Create(args[0], args[1], args[2], "cli", lifecycle.ReasonManual)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s/%s/%s' created, status=%s\n", args[0], args[1], args[2], inst.Status)
			return nil
		},
	}
}

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list <tenant-id> <pool-id>",
		Aliases: []string{"ls"},
		Short:   "List a pool's instances",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			ids, err := store.ListInstances(args[0], args[1])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tSTATUS\tGUEST_IP\tTAP")
			for _, id := range ids {
				inst, err := store.LoadInstance(args[0], args[1], id)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.InstanceID, inst.Status, inst.Net.GuestIP, inst.Net.TapDev)
			}
			return w.Flush()
		},
	}
}

func instanceStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <tenant-id> <pool-id> <instance-id>",
		Short: "Start an instance (Ready/Stopped -> Running)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Start(args[0], args[1], args[2], "cli", lifecycle.ReasonManual)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s\n", inst.InstanceID, inst.Status)
			return nil
		},
	}
}

func instanceWarmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm <tenant-id> <pool-id> <instance-id>",
		Short: "Move a Running instance to Warm",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Warm(args[0], args[1], args[2], "cli", lifecycle.ReasonManual)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s\n", inst.InstanceID, inst.Status)
			return nil
		},
	}
}

func instanceSleepCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sleep <tenant-id> <pool-id> <instance-id>",
		Short: "Put an instance to sleep, snapshotting if eligible",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Sleep(args[0], args[1], args[2], force, "cli", lifecycle.ReasonManual)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s\n", inst.InstanceID, inst.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Override min_warm_seconds eligibility and skip the guest drain")
	return cmd
}

func instanceWakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wake <tenant-id> <pool-id> <instance-id>",
		Short: "Wake a Warm or Sleeping instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Wake(args[0], args[1], args[2], "cli", lifecycle.ReasonWakeOnDemand)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s guest_ip=%s\n", inst.InstanceID, inst.Status, inst.Net.GuestIP)
			return nil
		},
	}
}

func instanceStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <tenant-id> <pool-id> <instance-id>",
		Short: "Stop a Running/Warm instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			inst, err := lc.Stop(args[0], args[1], args[2], force, "cli", lifecycle.ReasonManual)
			if err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s\n", inst.InstanceID, inst.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Override min_running_seconds eligibility")
	return cmd
}

func instanceSSHCmd() *cobra.Command {
	var identityFile string
	cmd := &cobra.Command{
		Use:   "ssh <tenant-id> <pool-id> <instance-id>",
		Short: "SSH into a running instance over its TAP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			return lc.SSH(args[0], args[1], args[2], "ssh", identityFile)
		},
	}
	cmd.Flags().StringVarP(&identityFile, "identity", "i", "", "SSH identity file")
	return cmd
}

func instanceStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <tenant-id> <pool-id> <instance-id>",
		Short: "Show an instance's runtime stats",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			s, err := lc.Stats(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("Status:            %s\n", s.Status)
			fmt.Printf("PID alive:         %v\n", s.PIDAlive)
			fmt.Printf("Guest IP:          %s\n", s.GuestIP)
			fmt.Printf("TAP device:        %s\n", s.TapDevice)
			fmt.Printf("Memory current:    %d bytes\n", s.MemCurrentBytes)
			fmt.Printf("CPU usage:         %d usec\n", s.CPUUsageUsec)
			fmt.Printf("Delta snapshot:    %.2f MiB\n", s.DeltaSnapshotMiB)
			return nil
		},
	}
}

// instanceLogsCmd is a placeholder: guest-side logging is delivered
// through whatever sink the pool's profile wires up (spec §1 places
// logging sinks out of scope as an external collaborator), not stored
// by this agent for the CLI to tail.
func instanceLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <tenant-id> <pool-id> <instance-id>",
		Short: "Show where an instance's logs are sent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("The agent does not buffer guest logs; check the pool's configured log sink.")
			return nil
		},
	}
}

func instanceDestroyCmd() *cobra.Command {
	var wipe bool
	cmd := &cobra.Command{
		Use:   "destroy <tenant-id> <pool-id> <instance-id>",
		Short: "Destroy an instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			lc := localLifecycle(store)
			if err := lc.Destroy(args[0], args[1], args[2], wipe, "cli", lifecycle.ReasonManual); err != nil {
				return err
			}
			fmt.Printf("Instance '%s/%s/%s' destroyed (wipe_volumes=%v)\n", args[0], args[1], args[2], wipe)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wipe, "wipe-volumes", false, "Also wipe the instance's data disk")
	return cmd
}

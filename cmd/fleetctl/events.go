package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// eventsCmd tails a tenant's append-only audit log (spec §4.9 step 6),
// the system's sole event history — there is no separate event bus.
func eventsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "events <tenant-id>",
		Short: "Show a tenant's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := localStore()
			entries, err := store.ReadAudit(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-20s actor=%-10s pool=%s instance=%s  %s\n",
					e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Action, e.Actor, e.PoolID, e.InstanceID, e.Reason)
			}
			if follow {
				fmt.Println("(--follow is not implemented; re-run to see new entries, audit.log rotates per spec §4.9)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Poll for new entries (not yet implemented)")
	return cmd
}

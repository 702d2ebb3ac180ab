package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetforge/fleetd/internal/controlplane"
	"github.com/fleetforge/fleetd/internal/proxy"
	"github.com/spf13/cobra"
)

// coordinatorCmd inspects a coordinator proxy's routing config and, for
// operations the proxy itself has no admin RPC for (spec §4.13 gives it
// none), dials the relevant node directly using the route's configured
// node address.
func coordinatorCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Inspect and drive a coordinator proxy",
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the proxy's TOML config (required)")
	cmd.MarkPersistentFlagRequired("config")

	loadCfg := func() (proxy.Config, error) {
		return proxy.LoadFromFile(configFile)
	}

	cmd.AddCommand(
		coordinatorServeCmd(),
		coordinatorRoutesCmd(loadCfg),
		coordinatorPushCmd(loadCfg),
		coordinatorStatusCmd(loadCfg),
		coordinatorListInstancesCmd(loadCfg),
		coordinatorWakeCmd(loadCfg),
	)
	return cmd
}

type loadConfigFunc func() (proxy.Config, error)

// coordinatorServeCmd defers to the dedicated fleet-proxy binary: the
// proxy is a standalone long-lived process (spec §4.13), not something
// this CLI forks and manages.
func coordinatorServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator proxy (use the fleet-proxy binary instead)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("fleetctl does not run the proxy in-process; start the fleet-proxy binary with --config.")
			return nil
		},
	}
}

func coordinatorRoutesCmd(loadCfg loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the proxy's configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LISTEN\tTENANT\tPOOL\tNODE")
			for _, r := range cfg.Routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Listen, r.TenantID, r.PoolID, r.Node)
			}
			return w.Flush()
		},
	}
}

// coordinatorPushCmd is a stub: the proxy has no hot-reload RPC, so a
// new route table takes effect only on restart.
func coordinatorPushCmd(loadCfg loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push an updated route table (not wired; restart fleet-proxy)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadCfg(); err != nil {
				return err
			}
			fmt.Println("The proxy has no hot-reload RPC; validated the config, but you'll need to restart fleet-proxy for it to take effect.")
			return nil
		},
	}
}

func coordinatorStatusCmd(loadCfg loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Ping each configured node's control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tADDR\tREACHABLE")
			for _, n := range cfg.Nodes {
				reachable := "yes"
				c, err := dialNode(n.Addr, "", "", "", true)
				if err != nil {
					reachable = "no"
				} else {
					var resp controlplane.NodeInfoResponse
					if err := c.call(controlplane.ReqNodeInfo, nil, &resp); err != nil {
						reachable = "no"
					}
					c.close()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", n.Name, n.Addr, reachable)
			}
			return w.Flush()
		},
	}
}

func coordinatorListInstancesCmd(loadCfg loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list-instances <tenant-id> <pool-id>",
		Short: "List a routed pool's instances via its node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			addr, err := nodeAddrForRoute(cfg, args[0], args[1])
			if err != nil {
				return err
			}
			c, err := dialNode(addr, "", "", "", true)
			if err != nil {
				return err
			}
			defer c.close()

			var instances []map[string]any
			if err := c.call(controlplane.ReqInstanceList, controlplane.InstanceListBody{
				TenantID: args[0], PoolID: args[1],
			}, &instances); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tSTATUS")
			for _, inst := range instances {
				fmt.Fprintf(w, "%v\t%v\n", inst["instance_id"], inst["status"])
			}
			return w.Flush()
		},
	}
}

func coordinatorWakeCmd(loadCfg loadConfigFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "wake <tenant-id> <pool-id> <instance-id>",
		Short: "Wake an instance via its routed node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			addr, err := nodeAddrForRoute(cfg, args[0], args[1])
			if err != nil {
				return err
			}
			c, err := dialNode(addr, "", "", "", true)
			if err != nil {
				return err
			}
			defer c.close()

			var resp controlplane.WakeInstanceResponse
			if err := c.call(controlplane.ReqWakeInstance, controlplane.WakeInstanceBody{
				TenantID: args[0], PoolID: args[1], InstanceID: args[2],
			}, &resp); err != nil {
				return err
			}
			fmt.Printf("Instance '%s' status=%s\n", args[2], resp.Status)
			return nil
		},
	}
}

func nodeAddrForRoute(cfg proxy.Config, tenantID, poolID string) (string, error) {
	for _, r := range cfg.Routes {
		if r.TenantID == tenantID && r.PoolID == poolID {
			for _, n := range cfg.Nodes {
				if n.Name == r.Node {
					return n.Addr, nil
				}
			}
			return "", fmt.Errorf("route %s/%s names unknown node %q", tenantID, poolID, r.Node)
		}
	}
	return "", fmt.Errorf("no route configured for %s/%s", tenantID, poolID)
}

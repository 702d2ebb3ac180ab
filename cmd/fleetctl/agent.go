package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/controlplane"
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/netdriver"
	"github.com/fleetforge/fleetd/internal/reconcile"
	"github.com/spf13/cobra"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run or inspect the node agent",
	}
	cmd.AddCommand(agentReconcileCmd(), agentServeCmd(), agentCertsCmd())
	return cmd
}

// agentReconcileCmd runs a single reconcile pass against a desired
// state document, the same entry point the control plane's Reconcile
// request dispatches to (spec §4.11).
func agentReconcileCmd() *cobra.Command {
	var desiredStateFile string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass against a desired state document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if desiredStateFile == "" {
				return fmt.Errorf("--desired-state is required")
			}
			raw, err := os.ReadFile(desiredStateFile)
			if err != nil {
				return err
			}
			var ds domain.DesiredState
			if err := json.Unmarshal(raw, &ds); err != nil {
				return fmt.Errorf("parsing desired state: %w", err)
			}
			if err := reconcile.Validate(ds); err != nil {
				return fmt.Errorf("invalid desired state: %w", err)
			}

			store := localStore()
			lc := localLifecycle(store)
			r := reconcile.New(lc, store, netdriver.New(), "")
			report, err := r.Run(ds, "cli")
			if err != nil {
				return err
			}
			fmt.Printf("created=%d started=%d warmed=%d slept=%d woken=%d stopped=%d destroyed=%d deferred=%d\n",
				report.Created, report.Started, report.Warmed, report.Slept, report.Woken, report.Stopped, report.Destroyed, report.Deferred)
			for _, e := range report.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&desiredStateFile, "desired-state", "", "Path to a desired state JSON document (required)")
	return cmd
}

// agentServeCmd defers to the dedicated fleetd-agent binary, the same
// way coordinatorServeCmd defers to fleet-proxy.
func agentServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon (use the fleetd-agent binary instead)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("fleetctl does not run the agent in-process; start the fleetd-agent binary with --config serve.")
			return nil
		},
	}
}

// agentCertsCmd manages the operator-side Ed25519 trust store
// controlplane.TrustedKeys reads (spec §6.4's ReconcileSigned),
// distinct from the agent's own mTLS certificate/key pair, which is
// provisioned outside this CLI.
func agentCertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage the trusted desired-state signing keys",
	}
	cmd.AddCommand(agentCertsInitCmd(), agentCertsRotateCmd(), agentCertsStatusCmd())
	return cmd
}

func agentCertsInitCmd() *cobra.Command {
	var (
		trustedKeysDir string
		name           string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a new Ed25519 signing keypair and install the public half",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(trustedKeysDir, 0o755); err != nil {
				return err
			}
			pubPath := filepath.Join(trustedKeysDir, name+".pub")
			if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Installed public key at %s\n", pubPath)
			fmt.Printf("Private key (store this securely, it is not saved): %s\n", base64.StdEncoding.EncodeToString(priv))
			return nil
		},
	}
	cmd.Flags().StringVar(&trustedKeysDir, "trusted-keys-dir", "/etc/fleetd/trusted_keys", "Directory controlplane.LoadTrustedKeys reads")
	cmd.Flags().StringVar(&name, "name", "operator", "Key file basename")
	return cmd
}

func agentCertsRotateCmd() *cobra.Command {
	var trustedKeysDir, name string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace a signing keypair, keeping the old public key until removed manually",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			pubPath := filepath.Join(trustedKeysDir, name+".pub")
			if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Rotated public key at %s; old keys in %s remain trusted until deleted\n", pubPath, trustedKeysDir)
			fmt.Printf("New private key: %s\n", base64.StdEncoding.EncodeToString(priv))
			return nil
		},
	}
	cmd.Flags().StringVar(&trustedKeysDir, "trusted-keys-dir", "/etc/fleetd/trusted_keys", "Directory controlplane.LoadTrustedKeys reads")
	cmd.Flags().StringVar(&name, "name", "operator", "Key file basename")
	return cmd
}

func agentCertsStatusCmd() *cobra.Command {
	var trustedKeysDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the currently trusted signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := controlplane.LoadTrustedKeys(trustedKeysDir); err != nil {
				return fmt.Errorf("trusted keys directory is not loadable: %w", err)
			}
			entries, err := os.ReadDir(trustedKeysDir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Println(e.Name())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&trustedKeysDir, "trusted-keys-dir", "/etc/fleetd/trusted_keys", "Directory controlplane.LoadTrustedKeys reads")
	return cmd
}

package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetforge/fleetd/internal/config"
	"github.com/fleetforge/fleetd/internal/controlplane"
	"github.com/fleetforge/fleetd/internal/diskdriver"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
	"github.com/fleetforge/fleetd/internal/netdriver"
	"github.com/fleetforge/fleetd/internal/reconcile"
	"github.com/fleetforge/fleetd/internal/secrets"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
	"github.com/spf13/cobra"
)

// serveCmd runs the agent as a long-lived daemon: lifecycle API, the
// reconcile ticker, and the node control plane, following the
// teacher's daemonCmd (load config -> apply flag overrides -> init
// observability -> build collaborators -> start servers -> wait on
// signals).
func serveCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
		production bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				if err := config.LoadFromFile(cfg, configFile); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("listen") {
				cfg.ControlPlane.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("production") {
				cfg.Production = production
			}

			logging.SetLevelFromString(cfg.Logging.Level)
			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.HistogramBuckets)
			}

			store := storefs.New(cfg.Store.DataRoot)
			net := netdriver.New()
			snapEngine := snapshot.New(store)

			vmmCfg := vmmdriver.Config{
				FirecrackerBin: cfg.VMM.FirecrackerBin,
				JailerUIDBase:  uint32(cfg.VMM.JailUIDGIDBase),
				ProductionMode: cfg.Production,
			}
			keys, secretsProvider := buildSecretsDeps(cfg, store)

			lc := lifecycle.New(lifecycle.Deps{
				Store:     store,
				Net:       net,
				Disk:      lifecycle.RealDiskBuilder(),
				VMM:       lifecycle.RealVMMLauncher(vmmCfg),
				VMMConfig: vmmCfg,
				Snapshots: snapEngine,
				Keys:      keys,
				Secrets:   secretsProvider,
			})

			reconciler := reconcile.New(lc, store, net, cfg.VMM.FirecrackerBin)
			interval := time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second
			if interval <= 0 {
				interval = 15 * time.Second
			}
			ticker := reconcile.NewTicker(reconciler, interval)
			ticker.Start()
			defer ticker.Stop()

			trusted, err := controlplane.LoadTrustedKeys(cfg.ControlPlane.TrustedKeysDir)
			if err != nil {
				return fmt.Errorf("load trusted keys: %w", err)
			}

			var tlsConfig *tls.Config
			if cfg.ControlPlane.CertFile != "" && cfg.ControlPlane.KeyFile != "" {
				tlsConfig, err = loadServerTLSConfig(cfg.ControlPlane)
				if err != nil {
					return fmt.Errorf("load control plane TLS config: %w", err)
				}
			}

			cpServer := controlplane.New(controlplane.Config{
				ListenAddr:      cfg.ControlPlane.ListenAddr,
				TLSConfig:       tlsConfig,
				Production:      cfg.Production,
				TrustedKeysDir:  cfg.ControlPlane.TrustedKeysDir,
				RateLimitPerSec: cfg.ControlPlane.RateLimitPerSec,
				NodeID:          cfg.NodeID,
				JailerBin:       cfg.VMM.JailerBin,
				ReconcileInterval: interval,
			}, reconciler, store, ticker, trusted)

			if err := cpServer.Start(); err != nil {
				return fmt.Errorf("start control plane: %w", err)
			}

			logging.Op().Info("fleetd-agent started",
				"node_id", cfg.NodeID,
				"data_root", cfg.Store.DataRoot,
				"control_plane", cfg.ControlPlane.ListenAddr,
				"production", cfg.Production)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			cpServer.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:4433", "Control plane listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&production, "production", false, "Enforce production-mode invariants (jailing, signed state, mTLS)")

	return cmd
}

// buildSecretsDeps resolves the tenant volume KeyProvider and pool
// SecretsProvider lifecycle.Deps accepts. Either return value is nil
// when its backing config is unset, which lifecycle treats as "this
// tenant/pool has none configured" rather than an error (spec §4.6,
// §6.2) — a fresh install with no keys directory or secrets key file
// still starts and serves unencrypted, scope-free instances.
func buildSecretsDeps(cfg *config.Config, store *storefs.Store) (lifecycle.KeyProvider, lifecycle.SecretsProvider) {
	var keyProvider lifecycle.KeyProvider
	if cfg.Store.KeysDir != "" {
		dir := cfg.Store.KeysDir
		keyProvider = func(tenantID string) (*diskdriver.Key, error) {
			return secrets.LoadTenantKey(dir, tenantID)
		}
	}

	var secretsProvider lifecycle.SecretsProvider
	if cfg.Store.SecretsKeyFile != "" {
		if cipher, err := secrets.NewCipherFromFile(cfg.Store.SecretsKeyFile); err == nil {
			secretStore := secrets.NewStore(filepath.Join(cfg.Store.DataRoot, "secrets"), cipher)
			provider := secrets.NewProvider(secretStore, store)
			secretsProvider = provider.ForInstance
		} else {
			logging.Op().Warn("secrets key file not available, pools with secret_scopes will fail",
				"path", cfg.Store.SecretsKeyFile, "error", err)
		}
	}
	return keyProvider, secretsProvider
}

func loadServerTLSConfig(cfg config.ControlPlaneConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

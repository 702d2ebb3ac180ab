package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetforge/fleetd/internal/logging"
	"github.com/fleetforge/fleetd/internal/metrics"
	"github.com/fleetforge/fleetd/internal/proxy"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configFile string
		caFile     string
		certFile   string
		keyFile    string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "fleet-proxy",
		Short: "fleetd coordinator proxy",
		Long:  "Run the coordinator proxy: wake-on-demand gateways fronting tenant pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}

			cfg, err := proxy.LoadFromFile(configFile)
			if err != nil {
				return fmt.Errorf("load proxy config: %w", err)
			}

			logging.SetLevelFromString(logLevel)
			logging.InitStructured("text", logLevel)
			metrics.InitPrometheus("fleetd_proxy", nil)

			var tlsConfig *tls.Config
			if certFile != "" && keyFile != "" {
				cert, err := tls.LoadX509KeyPair(certFile, keyFile)
				if err != nil {
					return fmt.Errorf("load proxy client cert: %w", err)
				}
				tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
				if caFile != "" {
					caPEM, err := os.ReadFile(caFile)
					if err != nil {
						return fmt.Errorf("read CA file: %w", err)
					}
					pool := x509.NewCertPool()
					if !pool.AppendCertsFromPEM(caPEM) {
						return fmt.Errorf("no certificates found in %s", caFile)
					}
					tlsConfig.RootCAs = pool
				}
			}

			srv := proxy.New(cfg, tlsConfig)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start proxy: %w", err)
			}

			logging.Op().Info("fleet-proxy started", "routes", len(cfg.Routes))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			srv.Stop()
			return nil
		},
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to the proxy's TOML config")
	rootCmd.Flags().StringVar(&caFile, "ca", "", "CA certificate for verifying node control planes")
	rootCmd.Flags().StringVar(&certFile, "cert", "", "Client certificate for mTLS to node control planes")
	rootCmd.Flags().StringVar(&keyFile, "key", "", "Client key for mTLS to node control planes")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

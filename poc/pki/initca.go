package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/margo/sealed-telemetry/poc/pki/server"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/config"
)

var (
	caCommonName string
	caValidity   time.Duration

	initCACmd = &cobra.Command{
		Use:   "init-ca",
		Short: "Generate a self-signed CA at the configured paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg server.Config
			if err := config.Load(configPath, &cfg); err != nil {
				return err
			}

			if err := pki.WriteCA(caCommonName, caValidity, cfg.CACertPath, cfg.CAKeyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "CA written to %s and %s\n", cfg.CACertPath, cfg.CAKeyPath)
			return nil
		},
	}
)

func init() {
	initCACmd.Flags().StringVar(&caCommonName, "cn", "sealed-telemetry-ca", "CA subject common name")
	initCACmd.Flags().DurationVar(&caValidity, "validity", 10*365*24*time.Hour, "CA certificate lifetime")
}

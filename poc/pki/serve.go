package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/margo/sealed-telemetry/poc/pki/server"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/config"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve certificate issuance and public key lookup",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg server.Config
		if err := config.Load(configPath, &cfg); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		log, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		store, err := contentstore.NewDiskStore(cfg.StoreDir)
		if err != nil {
			return fmt.Errorf("failed to open content store: %w", err)
		}

		authority, err := pki.LoadAuthority(cfg.CACertPath, cfg.CAKeyPath, store,
			pki.WithCertDir(cfg.CertDir),
			pki.WithValidity(cfg.Validity),
			pki.WithKeyBits(cfg.KeyBits),
			pki.WithLogger(log),
		)
		if err != nil {
			log.Errorw("Failed to load CA material", "cert", cfg.CACertPath, "key", cfg.CAKeyPath, "error", err)
			return err
		}

		log.Infow("Certificate authority loaded",
			"ca", authority.CACertificate().Subject.CommonName,
			"validity", cfg.Validity.String(),
			"keyBits", cfg.KeyBits,
			"certDir", cfg.CertDir,
			"storeDir", cfg.StoreDir,
			"registerAuth", cfg.RegisterToken != "")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return server.New(cfg, authority, store, log).Start(ctx)
	},
}

// Command receiver decrypts sealed car telemetry and streams it to dashboard clients.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

const exitSetupFailed = 1

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:          "receiver",
		Short:        "Decrypts sealed car telemetry with a rotating key pair",
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "overrides the configured log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := types.LoadReceiverConfig(configPath)
	if err != nil {
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

	apiClient := &types.APIClient{Config: cfg.PKI, Log: log.Named("pki")}
	pkiClient, err := apiClient.NewPKIClient()
	if err != nil {
		return err
	}

	b, err := broker.ConnectNATS(cfg.Broker, log.Named("broker"))
	if err != nil {
		log.Errorw("Failed to connect to broker", "url", cfg.Broker.URL, "error", err)
		return err
	}

	agent, err := NewAgent(cfg, pkiClient, b, log)
	if err != nil {
		b.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		log.Errorw("Receiver failed to start", "error", err)
		return multierror.Append(err, agent.Stop()).ErrorOrNil()
	}

	waitErr := agent.Wait()
	return multierror.Append(waitErr, agent.Stop()).ErrorOrNil()
}

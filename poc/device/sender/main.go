// Command sender publishes simulated car telemetry sealed under the receiver's current key.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/margo/sealed-telemetry/poc/device/agent/types"
	"github.com/margo/sealed-telemetry/poc/device/sender/discovery"
	"github.com/margo/sealed-telemetry/poc/device/sender/publisher"
	"github.com/margo/sealed-telemetry/shared-lib/broker"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

const exitSetupFailed = 1

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:          "sender",
		Short:        "Publishes sealed car telemetry",
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
	cfg, err := types.LoadSenderConfig(configPath)
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

	apiClient := &types.APIClient{Config: cfg.PKI, Log: log}
	pkiClient, err := apiClient.NewPKIClient()
	if err != nil {
		return err
	}
	gateway, err := apiClient.NewGatewayClient(cfg.Gateway())
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	watcher := discovery.NewWatcher(cfg.ReceiverID, pkiClient, gateway,
		discovery.WithInterval(cfg.DiscoveryInterval),
		discovery.WithLogger(log.Named("discovery")))

	b, err := broker.ConnectNATS(cfg.Broker, log.Named("broker"))
	if err != nil {
		log.Errorw("Failed to connect to broker", "url", cfg.Broker.URL, "error", err)
		return err
	}
	defer b.Close()

	pub := publisher.NewPublisher(cfg.Cars, watcher, b,
		publisher.WithInterval(cfg.PublishInterval),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
		publisher.WithLogger(log.Named("publisher")))

	log.Infow("Sender starting",
		"receiver", cfg.ReceiverID,
		"pki", cfg.PKI.URL,
		"gateway", cfg.Gateway(),
		"broker", cfg.Broker.URL,
		"cars", cfg.Cars)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return pub.Run(ctx) })
	if cfg.ListenAddress != "" {
		status := newStatusServer(cfg.ListenAddress, watcher, reg, log.Named("status"))
		g.Go(func() error { return status.Start(ctx) })
	}
	return g.Wait()
}

// Command pki-server runs the device certificate authority.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const exitSetupFailed = 1

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:          "pki-server",
		Short:        "Certificate authority for sealed telemetry devices",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, initCACmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitSetupFailed)
	}
}

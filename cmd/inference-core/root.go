// Command inference-core is the CLI entrypoint for the execution core:
// a batched, optionally speculative, autoregressive generation loop
// driven entirely from the command line (no network ingress — that
// surface is explicitly out of scope, per spec.md's Non-goals).
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "inference-core",
	Short: "Execution core for a batched autoregressive inference server",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(func() {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	})
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profileMemoryCmd)
}

// fleetd is the fleet command line: it runs a coordinator node or a
// worker node.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "Distributed coordinator/worker cluster for benchmark and evaluation jobs",
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

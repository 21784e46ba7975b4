// Command rhythmd runs a single rhythm node and exposes its metrics
// and health surface, or simulates a multi-tab cluster in-process for
// demonstration purposes.
//
// Grounded on cuemby-warren/cmd/warren's cobra root + subcommand
// layout: persistent logging flags initialized in cobra.OnInitialize,
// a background metrics HTTP server, and signal-driven shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/rhythm/pkg/log"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rhythmd",
	Short:   "rhythm - a multi-tab coordination and storage daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a rhythm.yaml config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "portcullis",
	Short: "Portcullis - tiered quota and admission-control engine",
	Long: `Portcullis decides, per API key, whether a request may proceed.

Each key belongs to a subscription tier with a daily request allotment,
counted in fixed 24-hour windows anchored at UTC midnight. Exhausted
keys fall back to purchased add-on grants, drained soonest-expiring
first, and auto-renew grants are replaced near expiry by a scheduled
sweep.

Storage backends: in-memory (default), SQLite (durable), Redis
(shared across instances).`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "zeroalloc",
	Short: "Soak test the object pool and buffer owner toolkit",
	Long: `zeroalloc runs a long-lived workload against the bounded object pool
and the ref-counted buffer owner, exposing Prometheus metrics and optionally
publishing stats snapshots to Redis.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

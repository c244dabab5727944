package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zeroalloc %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built: %s\n", buildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

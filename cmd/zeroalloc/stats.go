package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/SkynetNext/zeroalloc/internal/report"
	"github.com/spf13/cobra"
)

var statsWatch bool

func init() {
	cmd := &cobra.Command{
		Use:   "stats <instance>",
		Short: "Show the last snapshot published by a soak instance",
		Long: `The stats command reads the snapshot a soak instance publishes to Redis.
With --watch it prints every new snapshot as it is announced.

Example:
  zeroalloc stats soak-a
  zeroalloc stats soak-a --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().BoolVar(&statsWatch, "watch", false, "Print snapshots as they are published")
	rootCmd.AddCommand(cmd)
}

func runStats(ctx context.Context, out io.Writer, instance string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cli := report.NewClient(&cfg.Report.Redis)
	defer cli.Close()

	s, err := cli.Load(ctx, instance)
	switch {
	case errors.Is(err, report.ErrNotFound):
		if !statsWatch {
			return err
		}
	case err != nil:
		return err
	default:
		printSnapshot(out, s)
	}

	if !statsWatch {
		return nil
	}
	return cli.Watch(ctx, func(updated string) {
		if updated != instance {
			return
		}
		s, err := cli.Load(ctx, instance)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			return
		}
		printSnapshot(out, s)
	})
}

func printSnapshot(out io.Writer, s report.Snapshot) {
	fmt.Fprintf(out, "%s at %s\n", s.Instance, s.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "  workers:     %d\n", s.Workers)
	fmt.Fprintf(out, "  rounds:      %d\n", s.Rounds)
	fmt.Fprintf(out, "  violations:  %d\n", s.Violations)
	fmt.Fprintf(out, "  pool idle:   %d\n", s.PoolIdle)
	fmt.Fprintf(out, "  leases:      %d\n", s.Leases)
	fmt.Fprintf(out, "  releases:    %d\n", s.Releases)
	fmt.Fprintf(out, "  exhausted:   %d\n", s.Exhausted)
	fmt.Fprintf(out, "  outstanding: %d\n", s.Outstanding)
}

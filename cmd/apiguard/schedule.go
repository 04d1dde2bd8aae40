package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

func newScheduleCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print a sample of the configured retry delays",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				count = a.cfg.Retry.MaxRetryAttempts
			}
			delays := resilience.DecorrelatedJitterDelays(
				a.cfg.Retry.MedianFirstRetryDelay, count, a.cfg.Retry.FastFirst, nil)

			var total time.Duration
			out := cmd.OutOrStdout()
			for i, d := range delays {
				if a.cfg.Retry.MaxDelay > 0 {
					d = min(d, a.cfg.Retry.MaxDelay)
				}
				total += d
				fmt.Fprintf(out, "retry %d\t%v\n", i+1, d.Round(time.Millisecond))
			}
			fmt.Fprintf(out, "total\t%v\n", total.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of delays (default: RETRY_MAX_RETRY_ATTEMPTS)")
	return cmd
}

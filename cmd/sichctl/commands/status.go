package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the link's current state, channel, and power snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			snap, err := client.Status(context.Background())
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			out, err := formatStatus(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

// watchCmd polls status on an interval until interrupted, mirroring
// gobfdctl's monitor command but over sichctl's one-shot query_status
// RPC rather than a server-streamed event feed.
func watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll link status until interrupted (Ctrl+C)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				snap, err := client.Status(ctx)
				if err != nil {
					return fmt.Errorf("query status: %w", err)
				}

				out, err := formatStatus(snap, outputFormat)
				if err != nil {
					return fmt.Errorf("format status: %w", err)
				}
				fmt.Print(out)

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "polling interval")

	return cmd
}

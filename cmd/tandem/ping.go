package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-engine/tandem/pkg/transport"
)

func pingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping <relay-url>",
		Short: "Connect to a relay and report round-trip latency",
		Long: `Connect to a relay's WebSocket endpoint and report the signaling
round-trip latency, once per interval.

Example:

  tandem ping ws://localhost:8787/ws`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := transport.New(transport.Config{
				ServerURL:    args[0],
				Timeout:      timeout,
				PingInterval: interval,
				MaxRetries:   1,
				Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				return err
			}
			defer mgr.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			if err := mgr.Connect(connectCtx); err != nil {
				return fmt.Errorf("connect to %s: %w", args[0], err)
			}
			fmt.Printf("connected to %s as %s in %s\n", args[0], mgr.LocalID(), time.Since(start).Round(time.Millisecond))

			var (
				samples int
				totalMs int64
				minMs   int64 = -1
				maxMs   int64
				ticker  = time.NewTicker(interval)
			)
			defer ticker.Stop()
			for samples < count {
				select {
				case <-ctx.Done():
					printPingSummary(samples, totalMs, minMs, maxMs)
					return nil
				case <-ticker.C:
				}
				rtt := mgr.Latency()
				samples++
				totalMs += rtt
				if minMs < 0 || rtt < minMs {
					minMs = rtt
				}
				if rtt > maxMs {
					maxMs = rtt
				}
				fmt.Printf("ping %d: rtt=%dms\n", samples, rtt)
			}
			printPingSummary(samples, totalMs, minMs, maxMs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 5, "Number of latency samples")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Interval between samples")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connection timeout")

	return cmd
}

func printPingSummary(samples int, totalMs, minMs, maxMs int64) {
	if samples == 0 {
		fmt.Fprintln(os.Stderr, "no samples collected")
		return
	}
	fmt.Printf("--- %d samples: min=%dms avg=%dms max=%dms ---\n",
		samples, minMs, totalMs/int64(samples), maxMs)
}

package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tandem-engine/tandem/pkg/relay"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		maxConns    int
		maxRoomSize int
		writeWait   time.Duration
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a rendezvous relay",
		Long: `Run a rendezvous relay for clients to meet through.

The relay serves WebSocket signaling at /ws, a liveness probe at
/healthz, and Prometheus metrics at /metrics. It shuts down
gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			srv, err := relay.New(relay.Config{
				Address:        addr,
				MaxConnections: maxConns,
				MaxRoomSize:    maxRoomSize,
				WriteTimeout:   writeWait,
				Logger:         log,
				Metrics:        relay.NewMetrics(prometheus.DefaultRegisterer),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); !errors.Is(err, relay.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8787", "Address to listen on")
	cmd.Flags().IntVar(&maxConns, "max-connections", 0, "Maximum concurrent clients (0 = default)")
	cmd.Flags().IntVar(&maxRoomSize, "max-room-size", 0, "Maximum peers per room (0 = default)")
	cmd.Flags().DurationVar(&writeWait, "write-timeout", 0, "Per-message write deadline (0 = default)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	return cmd
}

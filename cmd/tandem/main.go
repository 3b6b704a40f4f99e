package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem",
		Short: "Real-time transport and state synchronization for multiplayer clients",
		Long: `Tandem is a real-time network transport and state-synchronization
engine. This CLI runs the pieces that live outside a game client:

  • serve   — run a rendezvous relay for clients to meet through
  • ping    — connect to a relay and report round-trip latency
  • version — print build information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

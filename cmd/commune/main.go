// Package main provides the CLI entry point for commune, a real-time
// community chat gateway.
//
// # Basic Usage
//
// Start the server:
//
//	commune serve --config commune.yaml
//
// Apply database migrations:
//
//	commune migrate up --config commune.yaml
//
// Mint a development token:
//
//	commune token --user alice --config commune.yaml
//
// # Environment Variables
//
//   - COMMUNE_CONFIG: path to the configuration file used when --config is not set
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "commune",
		Short: "commune - real-time community chat gateway",
		Long: `commune serves community channels over HTTP and websockets.

Clients join channels to appear in presence, subscribe to receive new
messages, and post messages over either transport.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildCommunityCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

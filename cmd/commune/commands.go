package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const configEnvVar = "COMMUNE_CONFIG"

// resolveConfigPath prefers the flag, then COMMUNE_CONFIG. An empty result
// means built-in defaults.
func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(configEnvVar))
}

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "",
		"Path to YAML or JSON5 configuration file (default: $"+configEnvVar+", then built-in defaults)")
}

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the commune gateway server",
		Long: `Start the HTTP API and websocket endpoint.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the configured store, applying migrations when auto_migrate is set
3. Serve the REST API, /ws, /healthz and /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with in-memory storage on :8080
  commune serve

  # Start with a config file and debug logging
  commune serve --config /etc/commune/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath))
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		username   string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for development",
		Long: `Sign a token with auth.jwt_secret for the given user. Pass it to the
websocket endpoint as ?token=... or in an Authorization: Bearer header.`,
		Example: `  commune token --user alice --config commune.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), userID, username, expiry)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to issue the token for")
	cmd.Flags().StringVar(&username, "username", "", "Username claim (defaults to the user id)")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Community Commands
// =============================================================================

func buildCommunityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "community",
		Short: "Manage communities in a persistent store",
	}
	cmd.AddCommand(buildCommunityCreateCmd(), buildCommunityListCmd())
	return cmd
}

func buildCommunityCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       communityCreateOptions
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a community and its default channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommunityCreate(cmd, resolveConfigPath(configPath), opts)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "Community name")
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "Short description")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "Owner user id")
	cmd.Flags().StringVar(&opts.Type, "type", "project", "Community type")
	cmd.Flags().StringVar(&opts.EntityID, "entity", "", "Id of the entity the community belongs to")
	cmd.Flags().BoolVar(&opts.Private, "private", false, "Hide the community from public listings")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildCommunityListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public communities and their channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommunityList(cmd, resolveConfigPath(configPath))
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "commune %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}

// Bioreactor Core - automation job framework for one bioreactor unit.
//
// bioreactord runs the unit's control jobs (stirring, temperature, dosing,
// growth-rate estimation) over the experiment's message bus, takes part in
// cluster coordination, records history and serves the operator API.
//
// Subcommands issue operator tokens and manage the history schema.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/bioreactor-core/internal/api"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/database"
	"github.com/nerrad567/bioreactor-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Running the root command starts
// the unit.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "bioreactord",
		Short:         "bioreactor unit automation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", getConfigPath(), "config file path (yaml)")

	root.AddCommand(
		newTokenCommand(&configPath),
		newMigrateCommand(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "print build information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "bioreactord %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// newTokenCommand issues an operator token signed with the configured JWT
// secret.
func newTokenCommand(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "issue an operator API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := api.IssueToken(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, subject, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// newMigrateCommand manages the history schema without starting the unit.
func newMigrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "manage the history database schema",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			db, err := database.Open(database.Config{
				Path:        cfg.Database.Path,
				WALMode:     cfg.Database.WALMode,
				BusyTimeout: cfg.Database.BusyTimeout,
			})
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close() //nolint:errcheck // nothing to recover on exit

			return migrate(cmd, db, action)
		},
	}
	return cmd
}

func migrate(cmd *cobra.Command, db *database.DB, action string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	switch action {
	case "up":
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		fmt.Fprintln(out, "migrations applied")
	case "down":
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			return fmt.Errorf("rolling back migration: %w", err)
		}
		fmt.Fprintln(out, "latest migration rolled back")
	case "status":
		applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		for _, m := range applied {
			fmt.Fprintf(out, "applied  %s  %s\n", m.Version, m.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range pending {
			fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
		}
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or status)", action)
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BIOREACTOR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BIOREACTOR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

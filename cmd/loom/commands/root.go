package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/policy"
	"github.com/loomworks/loom/pkg/stores"
	"github.com/loomworks/loom/pkg/telemetry"
)

var (
	// Global flags
	dbPath        string
	logLevel      string
	logFormat     string
	jsonOutput    bool
	policyDirs    []string
	traceExporter string
	traceEndpoint string

	// tel is initialized before any command runs.
	tel *telemetry.Telemetry
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - Autonomous Workflow Engine",
		Long: `Loom executes declarative workflow plans as dependency graphs with
bounded parallelism, result verification, and checkpoint-based rollback.

Features:
  - DAG plans with deterministic dispatch order
  - Per-step retry with classified errors and backoff
  - Content-addressed checkpoints and compensating rollback
  - Human intervention gates for risky and dangerous steps
  - Policy enforcement via OPA/rego
  - SQLite-backed run, event, and attempt history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			tel, err = newTelemetry(version)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if tel != nil {
				_ = tel.Shutdown(cmd.Context())
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "loom.db", "path to the SQLite state database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringSliceVar(&policyDirs, "policy-dir", nil, "directories with additional rego policies")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter (otlp, stdout); empty disables tracing")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP trace endpoint")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newCheckpointsCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

func newTelemetry(version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if traceExporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}
	return telemetry.NewTelemetry(cfg)
}

// openStore opens, initializes, and migrates the state database.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// newPolicyEngine builds the policy engine with builtin policies plus
// any --policy-dir additions.
func newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	pe, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if len(policyDirs) > 0 {
		if err := pe.LoadPaths(ctx, policyDirs); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

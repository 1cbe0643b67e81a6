package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/coinvest/ledger-engine/internal/config"
	"github.com/coinvest/ledger-engine/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operator tool for the ledger engine",
		Long: `ledgerctl runs maintenance tasks against a ledger-engine deployment.

Database commands read DATABASE_URL (and the rest of the server
configuration) from the environment, .env or CONFIG_FILE.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newMigrateCmd(),
		newDistributeCmd(),
		newReconcileCmd(),
	)
	return cmd
}

// openDatabase loads the server configuration and connects to its database.
func openDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.LogLevel, "")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

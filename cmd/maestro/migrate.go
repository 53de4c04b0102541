package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/selma-orchestration/maestro/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job table and its indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateDatabaseConfig(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			appLogger, err := initLogger(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer appLogger.Close()

			dbClient, err := initDatabase(cmd.Context(), &cfg.Database, appLogger.Logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer dbClient.Close()

			if err := storage.Migrate(cmd.Context(), dbClient.GetDB()); err != nil {
				return err
			}

			appLogger.Info("Schema migrated", slog.String("driver", dbClient.Driver()))
			return nil
		},
	}
}

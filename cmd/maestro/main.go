package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/selma-orchestration/maestro/internal/config"
	"github.com/selma-orchestration/maestro/shared/logger"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("MAESTRO_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/maestro/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:           "maestro",
		Short:         "Workflow job orchestrator",
		Long:          "maestro stores workflow graphs, publishes ready jobs to worker queues and releases dependent jobs as results come back.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

// loadConfig reads the file named by the --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.App.Version == "" {
		cfg.App.Version = version
	}
	return cfg, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   cfg.TimeFormat,
		NoColor:      cfg.NoColor,
	}
	if loggerCfg.TimeFormat == "" {
		loggerCfg.TimeFormat = time.RFC3339
	}

	return logger.New(loggerCfg)
}

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/config"
	"github.com/selma-orchestration/maestro/internal/worker"
	"github.com/selma-orchestration/maestro/shared/logger"
	"github.com/selma-orchestration/maestro/shared/rabbitmq"
)

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:           "worker-service",
		Short:         "Reference worker that echoes job data back to maestro",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume requests for the configured job kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			delay, _ := cmd.Flags().GetDuration("delay")
			return run(cmd.Context(), path, delay)
		},
	}
	runCmd.Flags().Duration("delay", 0, "Simulated processing time per job")
	rootCmd.AddCommand(runCmd)

	return rootCmd
}

func run(ctx context.Context, configPath string, delay time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue", cfg.Worker.Queue),
	)

	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	w, err := worker.New(rabbitClient, worker.Config{
		Queue:       cfg.Worker.Queue,
		InExchange:  cfg.RabbitMQ.Exchanges.WorkersIn,
		OutExchange: cfg.RabbitMQ.Exchanges.WorkersOut,
		QueueFormat: cfg.RabbitMQ.Queues.FormatString,
		Filter:      cfg.Worker.Filter,
		JobInfos:    cfg.Worker.JobInfos,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	}, echo(delay), appLogger.Component("worker"))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(runCtx, &batch.QueueSource{
			Client:   rabbitClient,
			Queue:    cfg.Worker.Queue,
			Tag:      "worker-service",
			Prefetch: cfg.RabbitMQ.Queues.PrefetchCount,
		}, batch.Options{
			Name:        "worker",
			BatchSize:   cfg.Worker.Batch.MaxSize,
			Timeout:     cfg.Worker.Batch.Timeout,
			Concurrency: cfg.Worker.Batch.Concurrency,
		})
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
		}
		return err
	}

	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// echo returns the job data unchanged after the optional delay
func echo(delay time.Duration) worker.WorkFunc {
	return func(ctx context.Context, req worker.Request) (worker.Result, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return worker.Result{}, ctx.Err()
			}
		}
		return worker.Result{Data: req.Data}, nil
	}
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

// initRabbitMQ connects to the broker and declares the worker exchanges
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	client := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	for _, exchange := range []string{cfg.Exchanges.WorkersIn, cfg.Exchanges.WorkersOut} {
		if err := client.DeclareExchange(ctx, exchange); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

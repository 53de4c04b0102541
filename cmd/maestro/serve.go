package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/selma-orchestration/maestro/internal/api/handler"
	"github.com/selma-orchestration/maestro/internal/api/router"
	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/bootpuller"
	"github.com/selma-orchestration/maestro/internal/config"
	"github.com/selma-orchestration/maestro/internal/enqueuer"
	"github.com/selma-orchestration/maestro/internal/listener"
	"github.com/selma-orchestration/maestro/internal/metrics"
	"github.com/selma-orchestration/maestro/internal/storage"
	"github.com/selma-orchestration/maestro/internal/transform"
	"github.com/selma-orchestration/maestro/shared/database"
	"github.com/selma-orchestration/maestro/shared/rabbitmq"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the submission API, the result listener and the boot job puller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if mode, _ := cmd.Flags().GetString("listener-mode"); mode != "" {
				cfg.ResultListener.Mode = mode
			}
			if err := cfg.ValidateOrchestratorConfig(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("listener-mode", "", "Result listener mode: batched|single (overrides the config file)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting maestro",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("listener_mode", cfg.ResultListener.Mode),
	)

	dbClient, err := initDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Component("storage"))
	jobMetrics := metrics.New(nil, cfg.Metrics.MeterName, appLogger.Component("metrics"))
	defer jobMetrics.LogSummary()

	transformer, err := transform.New(cfg.Transform.Engine, appLogger.Component("transform"))
	if err != nil {
		return err
	}

	enq, err := enqueuer.New(rabbitClient, transformer, enqueuer.Config{
		WorkersInExchange:  cfg.RabbitMQ.Exchanges.WorkersIn,
		WorkersOutExchange: cfg.RabbitMQ.Exchanges.WorkersOut,
		ResultQueue:        cfg.RabbitMQ.Queues.ResultListenerIn,
		QueueFormat:        cfg.RabbitMQ.Queues.FormatString,
	}, appLogger.Component("enqueuer"))
	if err != nil {
		return err
	}
	if err := enq.BindResultQueue(ctx); err != nil {
		return err
	}
	logQueueBacklog(ctx, rabbitClient, cfg.RabbitMQ.Queues.ResultListenerIn, appLogger.Logger)

	var puller *bootpuller.Puller
	if cfg.BootPuller.Enabled {
		puller, err = bootpuller.New(store, enq, jobMetrics, bootpuller.Config{
			JobAge: cfg.BootPuller.JobAge,
			Rate:   cfg.BootPuller.Rate,
			Burst:  cfg.BootPuller.Burst,
		}, appLogger.Component("bootpuller"))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runResultListener(gctx, cfg, store, transformer, enq, rabbitClient, jobMetrics, appLogger.Component("listener"))
	})

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: initRouter(cfg.App.Environment, &handler.Dependencies{
			Logger:   appLogger.Component("api"),
			Store:    store,
			Enqueuer: enq,
			Metrics:  jobMetrics,
			HealthCheck: func(ctx context.Context) error {
				if !rabbitClient.IsConnected() {
					return errors.New("rabbitmq connection is down")
				}
				return dbClient.HealthCheck(ctx)
			},
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", srv.Addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if puller != nil {
		g.Go(func() error {
			_, err := puller.Run(gctx)
			return err
		})
	}

	err = g.Wait()
	appLogger.Info("maestro stopped")
	return err
}

// runResultListener consumes the result queue with the configured listener
// until ctx is canceled
func runResultListener(ctx context.Context, cfg *config.Config, store *storage.Storage, transformer transform.Transformer,
	enq *enqueuer.Enqueuer, client *rabbitmq.Client, jobMetrics *metrics.JobMetrics, logger *slog.Logger) error {
	opts := listener.Options{
		ForwardExchange:             cfg.RabbitMQ.Exchanges.MaestroOut,
		MaxRetryCount:               cfg.ResultListener.MaxRetryCount,
		RetryDelay:                  cfg.RabbitMQ.Publish.RetryInterval,
		UpdateWorkflowMaxRetryCount: cfg.ResultListener.UpdateWorkflow.MaxRetryCount,
		UpdateWorkflowMaxRetryDelay: cfg.ResultListener.UpdateWorkflow.MaxRetryDelay,
	}
	batchOpts := batch.Options{
		Name:        "result-listener",
		BatchSize:   cfg.ResultListener.Batch.MaxSize,
		Timeout:     cfg.ResultListener.Batch.Timeout,
		Concurrency: cfg.ResultListener.Batch.Concurrency,
	}

	var handle batch.Handler
	switch cfg.ResultListener.Mode {
	case config.ListenerModeSingle:
		handle = listener.NewSingle(store, transformer, enq, client, jobMetrics, opts, logger).HandleBatch
		batchOpts.BatchSize = 1
	default:
		handle = listener.NewBatched(store, transformer, enq, client, jobMetrics, opts, logger).HandleBatch
	}

	source := &batch.QueueSource{
		Client:   client,
		Queue:    cfg.RabbitMQ.Queues.ResultListenerIn,
		Tag:      "maestro-result-listener",
		Prefetch: cfg.RabbitMQ.Queues.PrefetchCount,
	}
	return batch.NewConsumer(source, batchOpts, logger).Run(ctx, handle)
}

// logQueueBacklog reports how many results are waiting from before the start
func logQueueBacklog(ctx context.Context, client *rabbitmq.Client, queue string, logger *slog.Logger) {
	info, ok, err := client.QueueInfo(ctx, queue)
	switch {
	case err != nil:
		logger.Warn("Failed to inspect result queue", slog.String("queue", queue), slog.Any("error", err))
	case ok:
		logger.Info("Result queue ready",
			slog.String("queue", info.Name),
			slog.Int("messages", info.Messages),
			slog.Int("consumers", info.Consumers),
		)
	}
}

// initDatabase opens the job store connection
func initDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ connects to the broker and declares the orchestration
// exchanges
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

	for _, exchange := range []string{cfg.Exchanges.WorkersIn, cfg.Exchanges.WorkersOut, cfg.Exchanges.MaestroOut} {
		if exchange == "" {
			continue
		}
		if err := client.DeclareExchange(ctx, exchange); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

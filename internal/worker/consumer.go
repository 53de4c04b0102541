package worker

import (
	"context"
	"log/slog"

	"github.com/selma-orchestration/maestro/internal/batch"
)

// Run binds the worker queue and consumes Requests from source until ctx is
// canceled or the broker stays unreachable
func (w *Worker) Run(ctx context.Context, source batch.Source, opts batch.Options) error {
	if _, err := w.Bind(ctx); err != nil {
		return err
	}

	if opts.Name == "" {
		opts.Name = w.cfg.Queue
	}
	consumer := batch.NewConsumer(source, opts, w.logger)

	w.logger.Info("Worker started",
		slog.String("queue", w.cfg.Queue),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
	)
	err := consumer.Run(ctx, w.HandleBatch)
	w.logger.Info("Worker stopped", slog.String("queue", w.cfg.Queue))
	return err
}

package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/selma-orchestration/maestro/internal/batch"
)

// HandleBatch is a batch.Handler. Messages are processed on a pool bounded
// by Concurrency and settled once the whole batch is done.
func (w *Worker) HandleBatch(ctx context.Context, msgs []*batch.MqMessage, set batch.DispositionSetter) error {
	dispositions := make([]batch.Disposition, len(msgs))

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			dispositions[i] = w.processMessage(ctx, msg.Message)
			return nil
		})
	}
	// processMessage reports failures through dispositions only
	_ = g.Wait()

	for i, msg := range msgs {
		if err := set.SetDisposition(msg, dispositions[i]); err != nil {
			w.logger.Error("Failed to set disposition",
				slog.Uint64("delivery_tag", msg.DeliveryTag),
				slog.Any("error", err),
			)
		}
	}

	w.logger.Debug("Worker batch processed", slog.Int("messages", len(msgs)))
	return nil
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/domain"
)

// processMessage runs the work function for one Request and publishes the
// outcome. It returns how the delivery should be settled.
func (w *Worker) processMessage(ctx context.Context, msg domain.Message) batch.Disposition {
	if msg.Type != domain.MessageRequest {
		w.logger.Warn("Rejecting non-request message",
			slog.String("job_id", msg.JobID.String()),
			slog.String("type", string(msg.Type)),
		)
		return batch.Nack
	}

	w.logger.Debug("Processing job", slog.String("job_id", msg.JobID.String()))
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	result, err := w.run(jobCtx, Request{JobID: msg.JobID, Data: msg.Payload, Metadata: msg.Metadata})
	cancel()
	elapsed := time.Since(start)

	if err != nil && (shouldRequeue(err) || ctx.Err() != nil) {
		// shutdown or a transient failure: another delivery will retry it
		w.logger.Warn("Requeuing job",
			slog.String("job_id", msg.JobID.String()),
			slog.Any("error", err),
		)
		return batch.Requeue
	}

	var out domain.Message
	key := RoutingKeyFinalResult
	if err != nil {
		errorType, message := errorPayload(err)
		w.logger.Error("Job failed",
			slog.String("job_id", msg.JobID.String()),
			slog.String("error_type", errorType),
			slog.String("error", message),
		)
		out = domain.NewErrorResult(msg.JobID, errorType, message, msg.Metadata, elapsed)
		key = RoutingKeyError
	} else {
		out = domain.Message{
			JobID:       msg.JobID,
			Type:        domain.MessageFinalResult,
			Payload:     domain.MustJSON(domain.FinalResultPayload{Data: result.Data, Billing: result.Billing}),
			Metadata:    msg.Metadata,
			TimeElapsed: domain.Duration(elapsed),
		}
	}

	body, err := out.Encode()
	if err != nil {
		w.logger.Error("Failed to encode result", slog.String("job_id", msg.JobID.String()), slog.Any("error", err))
		return batch.Nack
	}

	if err := w.broker.Publish(ctx, w.cfg.OutExchange, key, body); err != nil {
		w.logger.Error("Failed to publish result",
			slog.String("job_id", msg.JobID.String()),
			slog.Any("error", err),
		)
		return batch.Requeue
	}

	w.logger.Info("Job finished",
		slog.String("job_id", msg.JobID.String()),
		slog.String("result", key),
		slog.Duration("elapsed", elapsed),
	)
	return batch.Ack
}

// run calls the work function, turning a panic into a fatal error
func (w *Worker) run(ctx context.Context, req Request) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewFatalError(ErrorTypeWorker, fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.work(ctx, req)
}

package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/transform"
)

// ResultListener handles worker results one message at a time. Several
// instances may run side by side: conflicting updates are retried against
// the reloaded job.
type ResultListener struct {
	core
}

// NewSingle creates a single-message result listener
func NewSingle(store Store, transformer transform.Transformer, enqueuer Enqueuer, publisher Publisher, metrics Metrics, opts Options, logger *slog.Logger) *ResultListener {
	return &ResultListener{core: core{
		store:       store,
		transformer: transformer,
		enqueuer:    enqueuer,
		publisher:   publisher,
		metrics:     metrics,
		opts:        opts.withDefaults(),
		logger:      logger,
	}}
}

// HandleBatch is a batch.Handler that handles each message on its own. A
// message that fails is left to be requeued.
func (l *ResultListener) HandleBatch(ctx context.Context, msgs []*batch.MqMessage, set batch.DispositionSetter) error {
	for _, msg := range msgs {
		d, err := l.Handle(ctx, msg.Message)
		if err != nil {
			l.logger.Error("Unexpected error receiving worker result",
				slog.String("job_id", msg.Message.JobID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if err := set.SetDisposition(msg, d); err != nil {
			l.logger.Error("Failed to set disposition", slog.Uint64("delivery_tag", msg.DeliveryTag), slog.Any("error", err))
		}
	}
	return nil
}

// Handle applies one result message and returns how it should be settled
func (l *ResultListener) Handle(ctx context.Context, msg domain.Message) (batch.Disposition, error) {
	start := time.Now()

	var disposition batch.Disposition
	err := l.retry(ctx, func() error {
		var err error
		disposition, err = l.handleOnce(ctx, msg, start)
		return err
	})
	if err != nil {
		return batch.Requeue, err
	}
	return disposition, nil
}

func (l *ResultListener) handleOnce(ctx context.Context, msg domain.Message, start time.Time) (batch.Disposition, error) {
	job, err := l.store.GetJob(ctx, msg.JobID)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		return batch.Requeue, err
	}

	out := l.apply(ctx, msg, job)
	if job == nil || out.disposition != batch.Ack {
		return out.disposition, nil
	}
	released := map[uuid.UUID]time.Time{job.ID: job.Updated}

	if out.changed {
		if err := l.store.SaveJobs(ctx, []*domain.Job{job}); err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) {
				// reload and apply again
				return batch.Requeue, domain.NewRetryableError(err)
			}
			return batch.Requeue, err
		}
	}

	if out.done {
		// dependents saved as Queued are released even when the update was
		// cut short, a replay no longer sees them as Waiting
		releasable, err := l.updateWorkflow(ctx, job)
		l.release(ctx, releasable)
		if err != nil {
			return batch.Requeue, err
		}
		l.metrics.RecordDone(ctx, time.Since(start), 1)
	}

	if out.forward {
		l.forward(ctx, []*domain.Job{job}, released)
	}
	return batch.Ack, nil
}

// updateWorkflow applies a completed job to every Waiting job of its
// workflow, one job at a time. A job that keeps conflicting is logged and
// left for a later replay. The jobs released so far are returned with any
// error.
func (l *ResultListener) updateWorkflow(ctx context.Context, completed *domain.Job) ([]*domain.Job, error) {
	ids, err := l.store.ListWaitingIDs(ctx, completed.WorkflowID)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Updating workflow",
		slog.String("job_id", completed.ID.String()),
		slog.String("workflow_id", completed.WorkflowID.String()),
		slog.Int("waiting", len(ids)),
	)

	var releasable []*domain.Job
	for _, id := range ids {
		b := &backoff.Backoff{
			Min:    l.opts.UpdateWorkflowMaxRetryDelay / 10,
			Max:    l.opts.UpdateWorkflowMaxRetryDelay,
			Factor: 2,
			Jitter: true,
		}

		for attempt := 1; ; attempt++ {
			released, err := l.updateDependent(ctx, id, completed)
			if err == nil {
				if released != nil {
					releasable = append(releasable, released)
				}
				break
			}

			if attempt >= l.opts.UpdateWorkflowMaxRetryCount {
				l.logger.Error("Unexpected error updating job",
					slog.String("job_id", id.String()),
					slog.String("workflow_id", completed.WorkflowID.String()),
					slog.Any("error", err),
				)
				break
			}

			delay := b.Duration()
			l.logger.Warn("Retrying job update",
				slog.String("job_id", id.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return releasable, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return releasable, nil
}

// updateDependent reloads one waiting job and applies the completed job to
// it. It returns the job when it became releasable.
func (l *ResultListener) updateDependent(ctx context.Context, id uuid.UUID, completed *domain.Job) (*domain.Job, error) {
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	changed, releasable, err := domain.ResolveDependents([]*domain.Job{job}, map[uuid.UUID]*domain.Job{completed.ID: completed})
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	if err := l.store.SaveJobs(ctx, changed); err != nil {
		return nil, err
	}
	l.logger.Debug("Saved dependent job", slog.String("job_id", job.ID.String()))

	if len(releasable) == 0 {
		return nil, nil
	}
	return releasable[0], nil
}

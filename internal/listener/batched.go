package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/batch"
	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/transform"
)

// BatchedResultListener handles worker results a batch at a time. It assumes
// it is the only writer of the jobs it touches, so a concurrency conflict is
// treated as fatal.
type BatchedResultListener struct {
	core
}

// NewBatched creates a batched result listener. publisher may be nil when
// opts.ForwardExchange is empty.
func NewBatched(store Store, transformer transform.Transformer, enqueuer Enqueuer, publisher Publisher, metrics Metrics, opts Options, logger *slog.Logger) *BatchedResultListener {
	return &BatchedResultListener{core: core{
		store:       store,
		transformer: transformer,
		enqueuer:    enqueuer,
		publisher:   publisher,
		metrics:     metrics,
		opts:        opts.withDefaults(),
		logger:      logger,
	}}
}

// HandleBatch is a batch.Handler. Dispositions are only recorded once the
// batch has been persisted; on failure every message is requeued.
func (l *BatchedResultListener) HandleBatch(ctx context.Context, msgs []*batch.MqMessage, set batch.DispositionSetter) error {
	start := time.Now()

	var dispositions map[*batch.MqMessage]batch.Disposition
	err := l.retry(ctx, func() error {
		var err error
		dispositions, err = l.process(ctx, msgs)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return fmt.Errorf("%w: %v", batch.ErrAbort, err)
		}
		return fmt.Errorf("failed to process result batch: %w", err)
	}

	for _, msg := range msgs {
		if err := set.SetDisposition(msg, dispositions[msg]); err != nil {
			l.logger.Error("Failed to set disposition", slog.Uint64("delivery_tag", msg.DeliveryTag), slog.Any("error", err))
		}
	}

	l.metrics.RecordDone(ctx, time.Since(start), len(msgs))
	return nil
}

// process applies one attempt of the batch. Jobs are reloaded on every
// attempt so a retry starts from the stored state.
func (l *BatchedResultListener) process(ctx context.Context, msgs []*batch.MqMessage) (map[*batch.MqMessage]batch.Disposition, error) {
	ids := make([]uuid.UUID, 0, len(msgs))
	seen := domain.IDSet{}
	for _, msg := range msgs {
		if !seen.Has(msg.Message.JobID) {
			seen[msg.Message.JobID] = struct{}{}
			ids = append(ids, msg.Message.JobID)
		}
	}

	jobs, err := l.store.GetJobsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	dispositions := make(map[*batch.MqMessage]batch.Disposition, len(msgs))
	done := make(map[uuid.UUID]*domain.Job)
	changedIDs := domain.IDSet{}
	forwardIDs := domain.IDSet{}
	released := make(map[uuid.UUID]time.Time, len(jobs))
	for id, job := range jobs {
		if job != nil {
			released[id] = job.Updated
		}
	}
	var changed, forward []*domain.Job

	for _, msg := range msgs {
		job := jobs[msg.Message.JobID]
		out := l.apply(ctx, msg.Message, job)
		dispositions[msg] = out.disposition

		if job == nil {
			continue
		}
		if out.done {
			done[job.ID] = job
		}
		if out.changed && !changedIDs.Has(job.ID) {
			changedIDs[job.ID] = struct{}{}
			changed = append(changed, job)
		}
		if out.forward && !forwardIDs.Has(job.ID) {
			forwardIDs[job.ID] = struct{}{}
			forward = append(forward, job)
		}
	}

	if err := l.store.SaveJobs(ctx, changed); err != nil {
		return nil, err
	}

	releasable, err := l.resolve(ctx, done)
	if err != nil {
		return nil, err
	}

	l.release(ctx, releasable)
	l.forward(ctx, forward, released)

	l.logger.Info("Result batch processed",
		slog.Int("messages", len(msgs)),
		slog.Int("updated", len(changed)),
		slog.Int("done", len(done)),
		slog.Int("released", len(releasable)),
	)
	return dispositions, nil
}

// resolve removes the done jobs from the dependencies of the Waiting jobs of
// the same workflows and persists the dependents in a second transaction
func (l *BatchedResultListener) resolve(ctx context.Context, done map[uuid.UUID]*domain.Job) ([]*domain.Job, error) {
	if len(done) == 0 {
		return nil, nil
	}

	completed := domain.IDSet{}
	workflows := domain.IDSet{}
	for id, job := range done {
		completed[id] = struct{}{}
		workflows[job.WorkflowID] = struct{}{}
	}

	waiting, err := l.store.FindWaitingDependents(ctx, workflows.Sorted(), completed)
	if err != nil {
		return nil, err
	}

	dependents, releasable, err := domain.ResolveDependents(waiting, done)
	if err != nil {
		return nil, err
	}

	if err := l.store.SaveJobs(ctx, dependents); err != nil {
		return nil, err
	}
	return releasable, nil
}

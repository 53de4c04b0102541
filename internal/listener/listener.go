// Package listener consumes worker results, records them on their jobs and
// releases the dependent jobs that became ready.
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
	"github.com/selma-orchestration/maestro/internal/storage"
	"github.com/selma-orchestration/maestro/internal/transform"
	"github.com/selma-orchestration/maestro/shared/rabbitmq"
)

// Store is the job persistence the listeners need
type Store interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	GetJobsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Job, error)
	FindWaitingDependents(ctx context.Context, workflowIDs []uuid.UUID, completed domain.IDSet) ([]*domain.Job, error)
	ListWaitingIDs(ctx context.Context, workflowID uuid.UUID) ([]uuid.UUID, error)
	SaveJobs(ctx context.Context, jobs []*domain.Job) error
}

// Enqueuer releases jobs to the workers
type Enqueuer interface {
	EnqueueAll(ctx context.Context, jobs []*domain.Job) []*domain.Job
}

// Publisher forwards terminal jobs downstream
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Metrics records listener throughput
type Metrics interface {
	AddQueued(ctx context.Context, n int)
	RecordDone(ctx context.Context, elapsed time.Duration, count int)
}

// Options configures both listener variants
type Options struct {
	// ForwardExchange receives a copy of every terminal job. Empty disables
	// forwarding.
	ForwardExchange string

	// MaxRetryCount bounds the attempts on transient errors, RetryDelay
	// separates them
	MaxRetryCount int
	RetryDelay    time.Duration

	// UpdateWorkflowMaxRetryCount and UpdateWorkflowMaxRetryDelay bound the
	// per-job retries of the single listener on conflicting updates
	UpdateWorkflowMaxRetryCount int
	UpdateWorkflowMaxRetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	if o.UpdateWorkflowMaxRetryCount <= 0 {
		o.UpdateWorkflowMaxRetryCount = 1
	}
	if o.UpdateWorkflowMaxRetryDelay <= 0 {
		o.UpdateWorkflowMaxRetryDelay = 10 * time.Millisecond
	}
	return o
}

// core holds what both listeners share: applying a result to its job,
// releasing and forwarding.
type core struct {
	store       Store
	transformer transform.Transformer
	enqueuer    Enqueuer
	publisher   Publisher
	metrics     Metrics
	opts        Options
	logger      *slog.Logger
}

// outcome is what applying one message did
type outcome struct {
	disposition batch.Disposition
	// changed is set when the job was mutated and must be saved
	changed bool
	// done is set when the job is Done, now or from an earlier delivery
	done bool
	// forward is set when the job is terminal and the message was accepted
	forward bool
}

// apply records a result message on its job. job is nil when the job is
// unknown.
func (c *core) apply(ctx context.Context, msg domain.Message, job *domain.Job) outcome {
	log := c.logger.With(slog.String("job_id", msg.JobID.String()), slog.String("type", string(msg.Type)))

	if job == nil {
		log.Warn("Skipped result: job missing from database (old job forgotten in the message queue?)")
		return outcome{disposition: batch.Ack}
	}

	if msg.Type != domain.MessageError && msg.Type != domain.MessageFinalResult {
		log.Warn("Skipped result: invalid message type")
		return outcome{disposition: batch.Nack}
	}

	switch job.Status {
	case domain.StatusDone:
		log.Debug("Job already done, result replayed")
		return outcome{disposition: batch.Ack, done: true, forward: true}
	case domain.StatusError:
		log.Debug("Job already failed, result skipped")
		return outcome{disposition: batch.Ack, forward: true}
	case domain.StatusWaiting:
		log.Warn("Rejected result for a job that is still waiting on dependencies")
		return outcome{disposition: batch.Nack}
	}

	if msg.Type == domain.MessageError {
		job.SetErrorResult(msg.Payload)
		log.Info("Job failed on worker")
		return outcome{disposition: batch.Ack, changed: true, forward: true}
	}

	transformed, err := c.transformer.Transform(ctx, msg, job)
	if err == nil {
		var payload domain.FinalResultPayload
		payload, err = transformed.FinalResult()
		if err == nil {
			job.Status = domain.StatusDone
			job.Result = payload.Data
			log.Debug("Job done")
			return outcome{disposition: batch.Ack, changed: true, done: true, forward: true}
		}
	}

	job.SetError(domain.ErrorTypeOutputScript, err.Error())
	log.Error("Failed to process final result", slog.Any("error", err))
	return outcome{disposition: batch.Ack, changed: true, forward: true}
}

// release enqueues released jobs and persists the ones that failed to enqueue
func (c *core) release(ctx context.Context, jobs []*domain.Job) {
	if len(jobs) == 0 {
		return
	}

	// a shutdown must not turn released jobs into enqueue errors
	failed := c.enqueuer.EnqueueAll(context.WithoutCancel(ctx), jobs)
	if len(failed) > 0 {
		if err := c.store.SaveJobs(context.WithoutCancel(ctx), failed); err != nil {
			// the jobs stay Queued and are picked up by the boot puller
			c.logger.Error("Failed to save enqueue errors",
				slog.Int("count", len(failed)),
				slog.Any("error", err),
			)
		}
	}

	c.metrics.AddQueued(ctx, len(jobs)-len(failed))
	c.logger.Debug("Released jobs",
		slog.Int("released", len(jobs)),
		slog.Int("failed", len(failed)),
	)
}

// forward publishes terminal jobs to the forward exchange. released holds
// each job's Updated time as loaded, before the result was saved. Failures
// are logged only.
func (c *core) forward(ctx context.Context, jobs []*domain.Job, released map[uuid.UUID]time.Time) {
	if c.opts.ForwardExchange == "" || c.publisher == nil {
		return
	}

	for _, job := range jobs {
		msg, err := terminalMessage(job, released[job.ID])
		if err != nil {
			c.logger.Error("Failed to build forward message", slog.String("job_id", job.ID.String()), slog.Any("error", err))
			continue
		}
		body, err := msg.Encode()
		if err != nil {
			c.logger.Error("Failed to encode forward message", slog.String("job_id", job.ID.String()), slog.Any("error", err))
			continue
		}
		if err := c.publisher.Publish(context.WithoutCancel(ctx), c.opts.ForwardExchange, "", body); err != nil {
			c.logger.Error("Failed to forward job result",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err),
			)
		}
	}
}

// terminalMessage builds the forwarded message. TimeElapsed is measured from
// the job's last update before its result arrived, which for a released job
// is the time it was queued.
func terminalMessage(job *domain.Job, released time.Time) (domain.Message, error) {
	if released.IsZero() {
		released = job.Updated
	}
	switch job.Status {
	case domain.StatusDone:
		return domain.NewFinalResult(job.ID, job.Result, job.Metadata, time.Since(released)), nil
	case domain.StatusError:
		return domain.Message{
			JobID:    job.ID,
			Type:     domain.MessageError,
			Payload:  job.Result,
			Metadata: job.Metadata,
		}, nil
	default:
		return domain.Message{}, fmt.Errorf("unexpected job status %q", job.Status)
	}
}

// retry runs fn until it succeeds, fails permanently or the attempts are
// exhausted. Only transient database and broker errors are retried.
func (c *core) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= c.opts.MaxRetryCount {
			return err
		}

		c.logger.Warn("Retrying after transient error",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.opts.MaxRetryCount),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(c.opts.RetryDelay):
		}
	}
}

func isTransient(err error) bool {
	return storage.IsTransient(err) || rabbitmq.IsUnreachable(err)
}

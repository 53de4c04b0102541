// Package enqueuer publishes released jobs to the worker queues.
package enqueuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/transform"
	"github.com/selma-orchestration/maestro/shared/rabbitmq"
)

const cancelledMessage = "Operation cancelled"

// Publisher sends a message body to an exchange
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// QueueDeclarer declares a durable queue bound to an exchange
type QueueDeclarer interface {
	DeclareAndBind(ctx context.Context, exchange, queue, routingKey string) error
}

// Broker is the part of the queue client the enqueuer needs
type Broker interface {
	Publisher
	QueueDeclarer
}

// Config names the exchanges and queues the enqueuer works with
type Config struct {
	WorkersInExchange  string
	WorkersOutExchange string
	ResultQueue        string
	QueueFormat        string
}

// Enqueuer turns jobs into Request messages on the queue matching their
// JobInfo. Failures are recorded on the job, never returned.
type Enqueuer struct {
	broker      Broker
	transformer transform.Transformer
	cfg         Config
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New validates the queue format and creates an enqueuer
func New(broker Broker, transformer transform.Transformer, cfg Config, logger *slog.Logger) (*Enqueuer, error) {
	if cfg.QueueFormat == "" {
		cfg.QueueFormat = domain.DefaultQueueFormat
	}
	if _, err := domain.ParseQueueFormat(cfg.QueueFormat); err != nil {
		return nil, err
	}
	if cfg.WorkersInExchange == "" {
		return nil, errors.New("workers-in exchange is required")
	}

	return &Enqueuer{
		broker:      broker,
		transformer: transformer,
		cfg:         cfg,
		logger:      logger,
		seen:        make(map[string]struct{}),
	}, nil
}

// BindResultQueue binds the result listener queue to the workers-out
// exchange for every routing key
func (e *Enqueuer) BindResultQueue(ctx context.Context) error {
	if e.cfg.WorkersOutExchange == "" || e.cfg.ResultQueue == "" {
		return errors.New("workers-out exchange and result queue are required")
	}
	if err := e.broker.DeclareAndBind(ctx, e.cfg.WorkersOutExchange, e.cfg.ResultQueue, "#"); err != nil {
		return fmt.Errorf("failed to bind result queue: %w", err)
	}
	return nil
}

// EnqueueAll enqueues jobs in order and returns those that ended in Error
func (e *Enqueuer) EnqueueAll(ctx context.Context, jobs []*domain.Job) []*domain.Job {
	var failed []*domain.Job
	for _, job := range jobs {
		if e.Enqueue(ctx, job).Status == domain.StatusError {
			failed = append(failed, job)
		}
	}
	return failed
}

// Enqueue publishes the Request message of a job. On failure the job is set
// to Error with job_enqueue_error or input_script_error. The job is returned
// for chaining.
func (e *Enqueuer) Enqueue(ctx context.Context, job *domain.Job) *domain.Job {
	if ctx.Err() != nil {
		e.fail(job, domain.ErrorTypeEnqueue, cancelledMessage)
		return job
	}

	queue, err := job.JobInfo().QueueName(e.cfg.QueueFormat)
	if err != nil {
		e.fail(job, domain.ErrorTypeEnqueue, err.Error())
		return job
	}

	if err := e.EnsureQueueExists(ctx, queue); err != nil {
		e.fail(job, domain.ErrorTypeEnqueue, err.Error())
		return job
	}

	msg, err := e.transformer.Transform(ctx, domain.NewRequest(job), job)
	if err != nil {
		e.fail(job, domain.ErrorTypeInputScript, err.Error())
		return job
	}

	body, err := msg.Encode()
	if err != nil {
		e.fail(job, domain.ErrorTypeInputScript, err.Error())
		return job
	}

	if err := e.broker.Publish(ctx, e.cfg.WorkersInExchange, queue, body); err != nil {
		message := err.Error()
		if errors.Is(err, rabbitmq.ErrPublishCanceled) {
			message = cancelledMessage
		}
		e.fail(job, domain.ErrorTypeEnqueue, message)
		return job
	}

	e.logger.Debug("Published job",
		slog.String("job_id", job.ID.String()),
		slog.String("queue", queue),
	)
	return job
}

// EnsureQueueExists declares and binds a worker queue once per enqueuer
func (e *Enqueuer) EnsureQueueExists(ctx context.Context, queue string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.seen[queue]; ok {
		return nil
	}
	if err := e.broker.DeclareAndBind(ctx, e.cfg.WorkersInExchange, queue, queue); err != nil {
		return fmt.Errorf("failed to ensure queue %s: %w", queue, err)
	}
	e.seen[queue] = struct{}{}
	return nil
}

func (e *Enqueuer) fail(job *domain.Job, errorType, message string) {
	job.SetError(errorType, message)
	e.logger.Error("Failed to enqueue job",
		slog.String("job_id", job.ID.String()),
		slog.String("error_type", errorType),
		slog.String("error", message),
	)
}

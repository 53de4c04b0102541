// Package worker is the worker-side runtime: it binds a queue to the job
// kinds a worker accepts, runs a work function per Request message and
// publishes the outcome for the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// Routing keys of the messages published to the workers-out exchange
const (
	RoutingKeyFinalResult = "FinalResult"
	RoutingKeyError       = "Error"
)

// DefaultJobTimeout bounds a WorkFunc call when no timeout is configured
const DefaultJobTimeout = 5 * time.Minute

// Broker is the part of the queue client a worker needs
type Broker interface {
	DeclareAndBind(ctx context.Context, exchange, queue, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Request is the input handed to a WorkFunc
type Request struct {
	JobID    uuid.UUID
	Data     domain.JSON
	Metadata domain.JSON
}

// Result is the output of a successful WorkFunc call
type Result struct {
	Data    domain.JSON
	Billing domain.JSON
}

// WorkFunc does the work of one job. Returning an error built with
// domain.NewRetryableError requeues the request; a *FatalError or any other
// error is reported to the orchestrator as an Error result.
type WorkFunc func(ctx context.Context, req Request) (Result, error)

// Config holds worker settings
type Config struct {
	Queue       string
	InExchange  string
	OutExchange string
	QueueFormat string
	Filter      domain.JobFilter
	JobInfos    []domain.JobInfo
	Concurrency int
	JobTimeout  time.Duration
}

// Worker runs a WorkFunc for each Request on its queue
type Worker struct {
	broker Broker
	cfg    Config
	work   WorkFunc
	logger *slog.Logger
}

// New validates cfg and creates a worker
func New(broker Broker, cfg Config, work WorkFunc, logger *slog.Logger) (*Worker, error) {
	if cfg.Queue == "" {
		return nil, errors.New("worker queue is required")
	}
	if cfg.InExchange == "" || cfg.OutExchange == "" {
		return nil, errors.New("workers-in and workers-out exchanges are required")
	}
	if work == nil {
		return nil, errors.New("work function is required")
	}
	if cfg.QueueFormat == "" {
		cfg.QueueFormat = domain.DefaultQueueFormat
	}
	if _, err := domain.ParseQueueFormat(cfg.QueueFormat); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &Worker{
		broker: broker,
		cfg:    cfg,
		work:   work,
		logger: logger,
	}, nil
}

// Bind declares the worker queue and binds it to the workers-in exchange
// once per queue name of the configured job kinds its filter accepts. It
// returns the routing keys bound.
func (w *Worker) Bind(ctx context.Context) ([]string, error) {
	if w.cfg.Filter.AcceptsAnyJob() {
		w.logger.Warn("Worker filter accepts any job, binding every configured job kind",
			slog.String("queue", w.cfg.Queue),
		)
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, info := range w.cfg.JobInfos {
		if !w.cfg.Filter.Matches(info) {
			w.logger.Debug("Skipping job kind rejected by filter",
				slog.String("job_info", info.String()),
				slog.String("filter", w.cfg.Filter.String()),
			)
			continue
		}

		key, err := info.QueueName(w.cfg.QueueFormat)
		if err != nil {
			return keys, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if err := w.broker.DeclareAndBind(ctx, w.cfg.InExchange, w.cfg.Queue, key); err != nil {
			return keys, fmt.Errorf("failed to bind %s to %s: %w", w.cfg.Queue, key, err)
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, errors.New("no configured job kind matches the worker filter")
	}

	w.logger.Info("Worker queue bound",
		slog.String("queue", w.cfg.Queue),
		slog.Any("routing_keys", keys),
	)
	return keys, nil
}

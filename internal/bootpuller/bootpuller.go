// Package bootpuller re-enqueues jobs that were Queued before the
// orchestrator stopped.
package bootpuller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// DefaultJobAge is used when no job age is configured
const DefaultJobAge = 24 * time.Hour

const progressInterval = time.Minute

// Store lists and saves jobs
type Store interface {
	ListQueuedSince(ctx context.Context, since time.Time) ([]*domain.Job, error)
	SaveJobs(ctx context.Context, jobs []*domain.Job) error
}

// Enqueuer publishes one job, recording failures on it
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.Job) *domain.Job
}

// Metrics records released jobs
type Metrics interface {
	AddQueued(ctx context.Context, n int)
}

// Config configures the puller
type Config struct {
	JobAge time.Duration
	// Rate limits enqueues per second; zero disables the limit
	Rate  float64
	Burst int
}

// Puller runs once at startup
type Puller struct {
	store    Store
	enqueuer Enqueuer
	metrics  Metrics
	limiter  *rate.Limiter
	jobAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New validates the config and creates a puller
func New(store Store, enqueuer Enqueuer, metrics Metrics, cfg Config, logger *slog.Logger) (*Puller, error) {
	if cfg.JobAge == 0 {
		logger.Warn("Missing job age, using default", slog.Duration("job_age", DefaultJobAge))
		cfg.JobAge = DefaultJobAge
	}
	if cfg.JobAge < 0 {
		return nil, errors.New("job age must be positive")
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Puller{
		store:    store,
		enqueuer: enqueuer,
		metrics:  metrics,
		limiter:  limiter,
		jobAge:   cfg.JobAge,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Result summarizes a run
type Result struct {
	Total    int
	Enqueued int
	Failed   int
}

// Run enqueues the Queued jobs created within the job age. It stops early
// when ctx is canceled; failed jobs are saved in either case.
func (p *Puller) Run(ctx context.Context) (Result, error) {
	since := p.now().Add(-p.jobAge)
	p.logger.Info("Using job age", slog.Duration("job_age", p.jobAge))

	jobs, err := p.store.ListQueuedSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	res := Result{Total: len(jobs)}
	p.logger.Info("Processing boot-time pending jobs",
		slog.Int("total", res.Total),
		slog.Time("created_after", since),
	)

	var failed []*domain.Job
	defer func() {
		if len(failed) == 0 {
			return
		}
		if err := p.store.SaveJobs(context.WithoutCancel(ctx), failed); err != nil {
			p.logger.Error("Failed to save enqueue errors", slog.Int("count", len(failed)), slog.Any("error", err))
		}
	}()

	lastReport := p.now()
	for _, job := range jobs {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Warn("Cancelling boot-time enqueue", slog.Int("enqueued", res.Enqueued))
			return res, nil
		}

		if p.enqueuer.Enqueue(ctx, job).Status == domain.StatusError {
			failed = append(failed, job)
			res.Failed++
		} else {
			res.Enqueued++
		}

		if now := p.now(); now.Sub(lastReport) >= progressInterval {
			lastReport = now
			p.logger.Info("Enqueued boot-time jobs",
				slog.Int("count", res.Enqueued+res.Failed),
				slog.Int("total", res.Total),
			)
		}
	}

	p.metrics.AddQueued(ctx, res.Enqueued)
	p.logger.Info("Finished boot-time pending jobs",
		slog.Int("enqueued", res.Enqueued),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

package handler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/metrics"
	"github.com/selma-orchestration/maestro/internal/storage"
)

// Store is the part of the job store the API reads and writes
type Store interface {
	WorkflowExists(ctx context.Context, workflowID uuid.UUID) (bool, error)
	ExistingJobIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	CreateJobs(ctx context.Context, jobs []*domain.Job) error
	SaveJobs(ctx context.Context, jobs []*domain.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// Enqueuer publishes jobs and returns the ones that failed
type Enqueuer interface {
	EnqueueAll(ctx context.Context, jobs []*domain.Job) []*domain.Job
}

// Metrics counts queued jobs and reports the process totals
type Metrics interface {
	AddQueued(ctx context.Context, n int)
	Snapshot() metrics.Snapshot
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    Store
	Enqueuer Enqueuer
	Metrics  Metrics

	// HealthCheck reports whether the store and broker are reachable; nil
	// always reports healthy
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles job and metrics requests
type JobHandler struct {
	logger  *slog.Logger
	store   Store
	metrics Metrics
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		metrics: deps.Metrics,
	}
}

// WorkflowHandler handles workflow submission and lookup
type WorkflowHandler struct {
	logger   *slog.Logger
	store    Store
	enqueuer Enqueuer
	metrics  Metrics
}

// NewWorkflowHandler creates a new WorkflowHandler instance
func NewWorkflowHandler(deps *Dependencies) *WorkflowHandler {
	return &WorkflowHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		enqueuer: deps.Enqueuer,
		metrics:  deps.Metrics,
	}
}

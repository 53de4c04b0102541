package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/selma-orchestration/maestro/internal/domain"
)

const jobColumns = `
	id, workflow_id, status, dependencies, original_dependencies,
	runtime, type, provider, scenario, language,
	request, input, result, scripts, metadata,
	created, updated, concurrency_token`

// Storage persists jobs. Every update is guarded by the job's concurrency
// token.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// GetJob retrieves a job by id
func (s *Storage) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetJobsByIDs loads the jobs with the given ids. Unknown ids are absent from
// the result.
func (s *Storage) GetJobsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Job, error) {
	jobs := make(map[uuid.UUID]*domain.Job, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}

	query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM jobs WHERE id IN (?)`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to build jobs query: %w", err)
	}

	var rows []*domain.Job
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}
	for _, job := range rows {
		jobs[job.ID] = job
	}
	return jobs, nil
}

// FindWaitingDependents returns the Waiting jobs of the given workflows that
// depend on at least one of the completed ids.
func (s *Storage) FindWaitingDependents(ctx context.Context, workflowIDs []uuid.UUID, completed domain.IDSet) ([]*domain.Job, error) {
	if len(workflowIDs) == 0 || len(completed) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND workflow_id IN (?) ORDER BY created, id`,
		domain.StatusWaiting, idStrings(workflowIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependents query: %w", err)
	}

	var waiting []*domain.Job
	if err := s.db.SelectContext(ctx, &waiting, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find waiting jobs: %w", err)
	}

	dependents := waiting[:0]
	for _, job := range waiting {
		if job.Dependencies.Overlaps(completed) {
			dependents = append(dependents, job)
		}
	}
	return dependents, nil
}

// ListWaitingIDs returns the ids of the Waiting jobs of a workflow
func (s *Storage) ListWaitingIDs(ctx context.Context, workflowID uuid.UUID) ([]uuid.UUID, error) {
	query := s.db.Rebind(`SELECT id FROM jobs WHERE workflow_id = ? AND status = ? ORDER BY created, id`)

	var ids []uuid.UUID
	if err := s.db.SelectContext(ctx, &ids, query, workflowID.String(), domain.StatusWaiting); err != nil {
		return nil, fmt.Errorf("failed to list waiting jobs: %w", err)
	}
	return ids, nil
}

// ListJobsByWorkflow returns every job of a workflow in creation order
func (s *Storage) ListJobsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE workflow_id = ? ORDER BY created, id`)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, workflowID.String()); err != nil {
		return nil, fmt.Errorf("failed to list workflow jobs: %w", err)
	}
	return jobs, nil
}

// ListQueuedSince returns Queued jobs created at or after since, oldest first
func (s *Storage) ListQueuedSince(ctx context.Context, since time.Time) ([]*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND created >= ? ORDER BY created, id`)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.StatusQueued, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	return jobs, nil
}

// WorkflowExists reports whether any job belongs to the workflow
func (s *Storage) WorkflowExists(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE workflow_id = ?`)

	var count int
	if err := s.db.GetContext(ctx, &count, query, workflowID.String()); err != nil {
		return false, fmt.Errorf("failed to check workflow: %w", err)
	}
	return count > 0, nil
}

// ExistingJobIDs returns which of ids are already stored
func (s *Storage) ExistingJobIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT id FROM jobs WHERE id IN (?) ORDER BY id`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to build job ids query: %w", err)
	}

	var existing []uuid.UUID
	if err := s.db.SelectContext(ctx, &existing, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to check job ids: %w", err)
	}
	return existing, nil
}

// CreateJobs inserts new jobs in a single transaction
func (s *Storage) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `
		) VALUES (
			:id, :workflow_id, :status, :dependencies, :original_dependencies,
			:runtime, :type, :provider, :scenario, :language,
			:request, :input, :result, :scripts, :metadata,
			:created, :updated, :concurrency_token
		)`

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, job := range jobs {
			job.Created = job.Created.UTC()
			job.Updated = job.Updated.UTC()
			job.ConcurrencyToken = job.ComputeToken()
			if _, err := tx.NamedExecContext(ctx, query, job); err != nil {
				return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// SaveJobs writes the mutable fields of jobs in one transaction. A job whose
// stored token no longer matches the token it was loaded with aborts the
// whole transaction with domain.ErrConcurrencyConflict. On success the jobs
// carry their new token and update time.
func (s *Storage) SaveJobs(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
			dependencies = ?,
			input = ?,
			result = ?,
			metadata = ?,
			updated = ?,
			concurrency_token = ?
		WHERE id = ?
		  AND concurrency_token = ?
	`)

	now := s.now()
	tokens := make([]string, len(jobs))

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, job := range jobs {
			tokens[i] = job.ComputeToken()
			result, err := tx.ExecContext(ctx, query,
				job.Status,
				job.Dependencies,
				job.Input,
				job.Result,
				job.Metadata,
				now,
				tokens[i],
				job.ID.String(),
				job.ConcurrencyToken,
			)
			if err != nil {
				return fmt.Errorf("failed to update job %s: %w", job.ID, err)
			}

			rowsAffected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if rowsAffected == 0 {
				s.logger.Warn("Job changed since it was loaded",
					slog.String("job_id", job.ID.String()),
					slog.String("status", string(job.Status)),
				)
				return fmt.Errorf("%w: job %s", domain.ErrConcurrencyConflict, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, job := range jobs {
		job.ConcurrencyToken = tokens[i]
		job.Updated = now
	}

	s.logger.Debug("Jobs saved", slog.Int("count", len(jobs)))
	return nil
}

// SaveJob writes a single job, see SaveJobs
func (s *Storage) SaveJob(ctx context.Context, job *domain.Job) error {
	return s.SaveJobs(ctx, []*domain.Job{job})
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status       domain.Status
	WorkflowID   uuid.UUID
	UpdatedSince time.Time
	PageSize     int
	Cursor       *JobCursor
}

// JobCursor marks the last job of a page
type JobCursor struct {
	Created time.Time
	ID      uuid.UUID
}

// ListJobs returns up to PageSize+1 jobs, newest first. The extra row tells
// the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.WorkflowID != uuid.Nil {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID.String())
	}

	if !filter.UpdatedSince.IsZero() {
		query += " AND updated >= ?"
		args = append(args, filter.UpdatedSince.UTC())
	}

	if filter.Cursor != nil {
		query += " AND (created < ? OR (created = ? AND id < ?))"
		args = append(args, filter.Cursor.Created.UTC(), filter.Cursor.Created.UTC(), filter.Cursor.ID.String())
	}

	query += " ORDER BY created DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status
func (s *Storage) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status domain.Status `db:"status"`
		Count  int           `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", slog.Any("error", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

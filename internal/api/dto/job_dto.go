package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// CreateWorkflowRequest submits a workflow graph
type CreateWorkflowRequest struct {
	WorkflowID uuid.UUID    `json:"workflowId"`
	JobNodes   []JobNodeDTO `json:"jobNodes" binding:"required,min=1"`
}

// JobNodeDTO is one node of a submitted graph
type JobNodeDTO struct {
	ID           uuid.UUID      `json:"id"`
	Dependencies []uuid.UUID    `json:"dependencies"`
	JobData      domain.JSON    `json:"jobData"`
	JobMetadata  domain.JSON    `json:"jobMetadata"`
	JobInfo      domain.JobInfo `json:"jobInfo"`
	Scripts      domain.Scripts `json:"scripts"`
}

// CreateWorkflowResponse lists the jobs that could not be enqueued
type CreateWorkflowResponse struct {
	WorkflowID uuid.UUID     `json:"workflowId"`
	Errors     []JobErrorDTO `json:"errors,omitempty"`
}

// JobErrorDTO is the error payload recorded on a job
type JobErrorDTO struct {
	JobID uuid.UUID   `json:"jobId"`
	Error domain.JSON `json:"error"`
}

// WorkflowDTO is a stored workflow graph
type WorkflowDTO struct {
	WorkflowID uuid.UUID     `json:"workflowId"`
	Status     domain.Status `json:"status"`
	JobNodes   []JobDTO      `json:"jobNodes"`
}

// JobDTO is a stored job. Result is only set once the job is Done and
// Dependencies always lists the submitted dependencies.
type JobDTO struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowID   uuid.UUID      `json:"workflowId"`
	Status       domain.Status  `json:"status"`
	Dependencies []uuid.UUID    `json:"dependencies"`
	JobData      domain.JSON    `json:"jobData"`
	JobMetadata  domain.JSON    `json:"jobMetadata"`
	JobInfo      domain.JobInfo `json:"jobInfo"`
	Scripts      domain.Scripts `json:"scripts"`
	Result       domain.JSON    `json:"result,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

// FromJob converts a stored job for a response
func FromJob(job *domain.Job) JobDTO {
	out := JobDTO{
		ID:           job.ID,
		WorkflowID:   job.WorkflowID,
		Status:       job.Status,
		Dependencies: job.OriginalDependencies.Sorted(),
		JobData:      job.Request,
		JobMetadata:  job.Metadata,
		JobInfo:      job.JobInfo(),
		Scripts:      job.ScriptSet(),
		CreatedAt:    job.Created.Format(time.RFC3339Nano),
		UpdatedAt:    job.Updated.Format(time.RFC3339Nano),
	}
	if job.Status == domain.StatusDone {
		out.Result = job.Result
	}
	return out
}

type ListJobsRequest struct {
	Status       string `form:"status"`
	WorkflowID   string `form:"workflow_id"`
	UpdatedSince string `form:"updated_since"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// MetricsResponse reports the totals of this process and the stored job
// counts per status
type MetricsResponse struct {
	Done   DoneMetrics           `json:"done"`
	Queued QueuedMetrics         `json:"queued"`
	Jobs   map[domain.Status]int `json:"jobs"`
}

type DoneMetrics struct {
	Total             int64   `json:"total"`
	TotalDurationMs   int64   `json:"totalDurationMs"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

type QueuedMetrics struct {
	Total int64 `json:"total"`
}

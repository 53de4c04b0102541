package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/api/dto"
	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", c.Param("job_id")), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("job_id", jobID.String()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter, err := buildJobFilter(req)
	if err != nil {
		h.logger.Warn("Invalid job filter", slog.String("query", c.Request.URL.RawQuery), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > filter.PageSize
	if hasMore {
		jobs = jobs[:filter.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.FromJob(job)
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{Created: last.Created, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

func buildJobFilter(req dto.ListJobsRequest) (storage.JobFilter, error) {
	filter := storage.JobFilter{PageSize: req.PageSize}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	if req.Status != "" {
		status, err := domain.ParseStatus(req.Status)
		if err != nil {
			return filter, err
		}
		filter.Status = status
	}

	if req.WorkflowID != "" {
		id, err := uuid.Parse(req.WorkflowID)
		if err != nil {
			return filter, errors.New("workflow_id must be a valid UUID")
		}
		filter.WorkflowID = id
	}

	if req.UpdatedSince != "" {
		since, err := time.Parse(time.RFC3339, req.UpdatedSince)
		if err != nil {
			return filter, errors.New("updated_since must be an RFC 3339 time")
		}
		filter.UpdatedSince = since
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		return filter, errors.New("invalid cursor")
	}
	filter.Cursor = cursor

	return filter, nil
}

// GetMetrics handles GET /api/v1/metrics
func (h *JobHandler) GetMetrics(c *gin.Context) {
	counts, err := h.store.CountByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	s := h.metrics.Snapshot()
	c.JSON(http.StatusOK, dto.MetricsResponse{
		Done: dto.DoneMetrics{
			Total:             s.DoneTotal,
			TotalDurationMs:   s.DoneTotalMs,
			AverageDurationMs: s.DoneAvgMs,
		},
		Queued: dto.QueuedMetrics{Total: s.QueuedTotal},
		Jobs:   counts,
	})
}

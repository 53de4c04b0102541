package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/selma-orchestration/maestro/internal/api/dto"
	"github.com/selma-orchestration/maestro/internal/domain"
)

// errBadGraph marks submissions rejected with 400
var errBadGraph = errors.New("bad workflow")

// CreateWorkflow handles POST /api/v1/workflows
// Stores the graph, enqueues the jobs without dependencies and reports the
// ones that could not be enqueued.
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.validate(ctx, req); err != nil {
		if errors.Is(err, errBadGraph) || errors.Is(err, domain.ErrInvalidGraph) {
			h.logger.Warn("Rejected workflow",
				slog.String("workflow_id", req.WorkflowID.String()),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to validate workflow", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to validate workflow",
		})
		return
	}

	jobs := make([]*domain.Job, len(req.JobNodes))
	var executable []*domain.Job
	for i, node := range req.JobNodes {
		jobs[i] = domain.NewJob(node.ID, req.WorkflowID, node.Dependencies, node.JobInfo, node.JobData, node.JobMetadata, node.Scripts)
		if jobs[i].Status == domain.StatusQueued {
			executable = append(executable, jobs[i])
		}
	}

	if err := h.store.CreateJobs(ctx, jobs); err != nil {
		h.logger.Error("Failed to create jobs",
			slog.String("workflow_id", req.WorkflowID.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create jobs",
		})
		return
	}

	failed := h.enqueuer.EnqueueAll(ctx, executable)
	h.metrics.AddQueued(ctx, len(executable)-len(failed))

	resp := dto.CreateWorkflowResponse{WorkflowID: req.WorkflowID}
	if len(failed) > 0 {
		// the jobs exist now, so record the errors even if the client went away
		if err := h.store.SaveJobs(context.WithoutCancel(ctx), failed); err != nil {
			h.logger.Error("Failed to save enqueue errors",
				slog.String("workflow_id", req.WorkflowID.String()),
				slog.String("error", err.Error()),
			)
		}
		for _, job := range failed {
			resp.Errors = append(resp.Errors, dto.JobErrorDTO{JobID: job.ID, Error: job.Result})
		}
	}

	h.logger.Info("Workflow created",
		slog.String("workflow_id", req.WorkflowID.String()),
		slog.Int("jobs", len(jobs)),
		slog.Int("enqueued", len(executable)-len(failed)),
		slog.Int("failed", len(failed)),
	)
	c.JSON(http.StatusOK, resp)
}

func (h *WorkflowHandler) validate(ctx context.Context, req dto.CreateWorkflowRequest) error {
	if req.WorkflowID == uuid.Nil {
		return fmt.Errorf("%w: workflowId is required", errBadGraph)
	}

	graph := make(map[uuid.UUID][]uuid.UUID, len(req.JobNodes))
	ids := make([]uuid.UUID, 0, len(req.JobNodes))
	for _, node := range req.JobNodes {
		if node.ID == uuid.Nil {
			return fmt.Errorf("%w: job id is required", errBadGraph)
		}
		if _, ok := graph[node.ID]; ok {
			return fmt.Errorf("%w: duplicate job id %s", errBadGraph, node.ID)
		}
		graph[node.ID] = node.Dependencies
		ids = append(ids, node.ID)
	}
	if err := domain.ValidateGraph(graph); err != nil {
		return err
	}

	exists, err := h.store.WorkflowExists(ctx, req.WorkflowID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: workflow id already exists", errBadGraph)
	}

	existing, err := h.store.ExistingJobIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: job id %s already exists", errBadGraph, existing[0])
	}
	return nil
}

// GetWorkflow handles GET /api/v1/workflows/:workflow_id
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	workflowID, err := uuid.Parse(c.Param("workflow_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "workflow_id must be a valid UUID",
		})
		return
	}

	jobs, err := h.store.ListJobsByWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		h.logger.Error("Failed to get workflow", slog.String("workflow_id", workflowID.String()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get workflow",
		})
		return
	}
	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "workflow not found",
		})
		return
	}

	resp := dto.WorkflowDTO{
		WorkflowID: workflowID,
		JobNodes:   make([]dto.JobDTO, len(jobs)),
	}
	statuses := make([]domain.Status, len(jobs))
	for i, job := range jobs {
		resp.JobNodes[i] = dto.FromJob(job)
		statuses[i] = job.Status
	}
	resp.Status = domain.AggregateStatus(statuses...)

	c.JSON(http.StatusOK, resp)
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/selma-orchestration/maestro/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "maestro",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "maestro",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workflowHandler := handler.NewWorkflowHandler(deps)

	v1 := r.Group("/api/v1")
	{
		workflows := v1.Group("/workflows")
		{
			// POST /api/v1/workflows - Submit a workflow graph
			workflows.POST("", workflowHandler.CreateWorkflow)

			// GET /api/v1/workflows/:workflow_id - Get a workflow with its jobs
			workflows.GET("/:workflow_id", workflowHandler.GetWorkflow)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		v1.GET("/metrics", jobHandler.GetMetrics)
	}

	return r
}

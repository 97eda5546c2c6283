package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixmorph/pixmorph/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "pixmorph-api",
		})
	})

	// Real-time status endpoint. Auth happens in-frame, not per-request,
	// so this route sits outside the auth middleware.
	if deps.WS != nil {
		r.GET("/ws", deps.WS.Handler())
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.Auth))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a transformation job
			jobs.POST("", SubmitRateMiddleware(deps.SubmitPerMinute), jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		// GET /api/v1/balance - Current credit balance
		v1.GET("/balance", jobHandler.GetBalance)

		// GET /api/v1/queue/stats - Queue depth and live subscriptions
		v1.GET("/queue/stats", jobHandler.GetQueueStats)
	}

	return r
}

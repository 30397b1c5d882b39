package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes. The Prometheus handler serves the
// per-instance metrics at /metrics; the JSON report at /api/v1/metrics is the
// fleet-wide aggregate.
func SetupRoutes(router *gin.Engine, jobs *JobHandler, schedules *ScheduleHandler, ops *OpsHandler, prometheus http.Handler) {
	router.GET("/healthz", ops.Health)
	if prometheus != nil {
		router.GET("/metrics", gin.WrapH(prometheus))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/verifications", jobs.SubmitVerification)
		v1.POST("/verifications/batch", jobs.SubmitBatch)
		v1.GET("/jobs/:id/progress", jobs.GetProgress)
		v1.GET("/operations", jobs.ListActive)

		v1.POST("/schedules", schedules.Create)
		v1.GET("/schedules", schedules.List)
		v1.DELETE("/schedules/:id", schedules.Cancel)

		v1.GET("/metrics", ops.Metrics)
		v1.POST("/queues/:name/pause", ops.PauseQueue)
		v1.POST("/queues/:name/resume", ops.ResumeQueue)
	}
}

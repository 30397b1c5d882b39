package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/scheduler"
)

// TaskScheduler defines the schedule operations needed by the handler.
type TaskScheduler interface {
	SubmitScheduled(ctx context.Context, req orchestrator.ScheduleRequest) (*scheduler.Entry, error)
	ListScheduled(ctx context.Context) ([]*scheduler.Entry, error)
	CancelScheduled(ctx context.Context, taskID string) (bool, error)
}

// ScheduleHandler handles scheduled-task HTTP requests.
type ScheduleHandler struct {
	svc TaskScheduler
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(svc TaskScheduler) *ScheduleHandler {
	return &ScheduleHandler{svc: svc}
}

// Create handles POST /api/v1/schedules.
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req orchestrator.ScheduleRequest
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindErr.Error()})
		return
	}

	entry, err := h.svc.SubmitScheduled(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(c *gin.Context) {
	entries, err := h.svc.ListScheduled(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schedules": entries,
		"count":     len(entries),
	})
}

// Cancel handles DELETE /api/v1/schedules/:id.
func (h *ScheduleHandler) Cancel(c *gin.Context) {
	removed, err := h.svc.CancelScheduled(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/health"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
)

// Operator defines the operational queries needed by the ops handler.
type Operator interface {
	GetMetrics(ctx context.Context) (*orchestrator.MetricsReport, error)
	Health(ctx context.Context) *health.Snapshot
	PauseQueue(ctx context.Context, queueName string) error
	ResumeQueue(ctx context.Context, queueName string) error
}

// OpsHandler handles health, metrics and queue control requests.
type OpsHandler struct {
	svc Operator
}

// NewOpsHandler creates a new ops handler.
func NewOpsHandler(svc Operator) *OpsHandler {
	return &OpsHandler{svc: svc}
}

// Health handles GET /healthz.
func (h *OpsHandler) Health(c *gin.Context) {
	snap := h.svc.Health(c.Request.Context())

	status := http.StatusOK
	if snap.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// Metrics handles GET /api/v1/metrics.
func (h *OpsHandler) Metrics(c *gin.Context) {
	report, err := h.svc.GetMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PauseQueue handles POST /api/v1/queues/:name/pause.
func (h *OpsHandler) PauseQueue(c *gin.Context) {
	if err := h.svc.PauseQueue(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeQueue handles POST /api/v1/queues/:name/resume.
func (h *OpsHandler) ResumeQueue(c *gin.Context) {
	if err := h.svc.ResumeQueue(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

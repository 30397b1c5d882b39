// Package api provides the HTTP surface of the orchestration service.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/progress"
)

// JobSubmitter defines the submit and progress operations needed by the
// job handler.
type JobSubmitter interface {
	SubmitVerification(ctx context.Context, req orchestrator.VerificationRequest) (string, error)
	SubmitBatch(ctx context.Context, req orchestrator.BatchRequest) (string, error)
	GetJobProgress(ctx context.Context, jobID string) (*progress.Record, error)
	ListActiveOperations(ctx context.Context) ([]*progress.Record, error)
}

// JobHandler handles verification submission and progress queries.
type JobHandler struct {
	svc JobSubmitter
}

// NewJobHandler creates a new job handler.
func NewJobHandler(svc JobSubmitter) *JobHandler {
	return &JobHandler{svc: svc}
}

// SubmitVerification handles POST /api/v1/verifications.
func (h *JobHandler) SubmitVerification(c *gin.Context) {
	var req orchestrator.VerificationRequest
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindErr.Error()})
		return
	}

	jobID, err := h.svc.SubmitVerification(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// SubmitBatch handles POST /api/v1/verifications/batch.
func (h *JobHandler) SubmitBatch(c *gin.Context) {
	var req orchestrator.BatchRequest
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindErr.Error()})
		return
	}

	jobID, err := h.svc.SubmitBatch(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"items":  len(req.Items),
	})
}

// GetProgress handles GET /api/v1/jobs/:id/progress.
func (h *JobHandler) GetProgress(c *gin.Context) {
	rec, err := h.svc.GetJobProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired job id"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListActive handles GET /api/v1/operations.
func (h *JobHandler) ListActive(c *gin.Context) {
	records, err := h.svc.ListActiveOperations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operations": records,
		"count":      len(records),
	})
}

// writeError maps service errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case orchestrator.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

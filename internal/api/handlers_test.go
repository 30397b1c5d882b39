package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/api"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/health"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/progress"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/scheduler"
)

type mockService struct {
	submitFunc    func(req orchestrator.VerificationRequest) (string, error)
	progressFunc  func(jobID string) (*progress.Record, error)
	cancelFunc    func(taskID string) (bool, error)
	healthFunc    func() *health.Snapshot
	pausedQueues  []string
	resumedQueues []string
}

func (m *mockService) SubmitVerification(_ context.Context, req orchestrator.VerificationRequest) (string, error) {
	if m.submitFunc != nil {
		return m.submitFunc(req)
	}
	return "job-1", nil
}

func (m *mockService) SubmitBatch(_ context.Context, req orchestrator.BatchRequest) (string, error) {
	if len(req.Items) == 0 {
		return "", &orchestrator.ValidationError{Field: "items", Reason: "empty"}
	}
	return "batch-1", nil
}

func (m *mockService) GetJobProgress(_ context.Context, jobID string) (*progress.Record, error) {
	if m.progressFunc != nil {
		return m.progressFunc(jobID)
	}
	return nil, nil
}

func (m *mockService) ListActiveOperations(context.Context) ([]*progress.Record, error) {
	return []*progress.Record{{OperationID: "op-1"}}, nil
}

func (m *mockService) SubmitScheduled(_ context.Context, req orchestrator.ScheduleRequest) (*scheduler.Entry, error) {
	if req.Queue == "" {
		return nil, &orchestrator.ValidationError{Field: "queue", Reason: "empty"}
	}
	return &scheduler.Entry{ID: req.TaskID, Queue: req.Queue, RunAt: req.RunAt}, nil
}

func (m *mockService) ListScheduled(context.Context) ([]*scheduler.Entry, error) {
	return []*scheduler.Entry{{ID: "nightly"}}, nil
}

func (m *mockService) CancelScheduled(_ context.Context, taskID string) (bool, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(taskID)
	}
	return taskID == "nightly", nil
}

func (m *mockService) GetMetrics(context.Context) (*orchestrator.MetricsReport, error) {
	return &orchestrator.MetricsReport{}, nil
}

func (m *mockService) Health(context.Context) *health.Snapshot {
	if m.healthFunc != nil {
		return m.healthFunc()
	}
	return &health.Snapshot{Status: health.StatusHealthy, CheckedAt: time.Now()}
}

func (m *mockService) PauseQueue(_ context.Context, name string) error {
	m.pausedQueues = append(m.pausedQueues, name)
	return nil
}

func (m *mockService) ResumeQueue(_ context.Context, name string) error {
	m.resumedQueues = append(m.resumedQueues, name)
	return nil
}

func setupRouter(t *testing.T, svc *mockService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	api.SetupRoutes(router,
		api.NewJobHandler(svc),
		api.NewScheduleHandler(svc),
		api.NewOpsHandler(svc),
		nil,
	)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitVerificationAccepted(t *testing.T) {
	router := setupRouter(t, &mockService{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/verifications", map[string]any{
		"content_id": "c-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp["job_id"])
}

func TestSubmitVerificationValidationIs400(t *testing.T) {
	svc := &mockService{
		submitFunc: func(orchestrator.VerificationRequest) (string, error) {
			return "", &orchestrator.ValidationError{Field: "content_id", Reason: "must not be empty"}
		},
	}
	router := setupRouter(t, svc)

	w := doJSON(t, router, http.MethodPost, "/api/v1/verifications", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "content_id")
}

func TestSubmitVerificationMalformedBodyIs400(t *testing.T) {
	router := setupRouter(t, &mockService{})

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "/api/v1/verifications",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceUnavailableIs503(t *testing.T) {
	svc := &mockService{
		submitFunc: func(orchestrator.VerificationRequest) (string, error) {
			return "", orchestrator.ErrNotInitialized
		},
	}
	router := setupRouter(t, svc)

	w := doJSON(t, router, http.MethodPost, "/api/v1/verifications", map[string]any{"content_id": "c"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetProgressUnknownIs404(t *testing.T) {
	router := setupRouter(t, &mockService{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/nope/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetProgressKnownReturnsRecord(t *testing.T) {
	svc := &mockService{
		progressFunc: func(jobID string) (*progress.Record, error) {
			return &progress.Record{OperationID: jobID, Progress: 42}, nil
		},
	}
	router := setupRouter(t, svc)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/job-9/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec progress.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "job-9", rec.OperationID)
	assert.Equal(t, 42, rec.Progress)
}

func TestScheduleLifecycle(t *testing.T) {
	router := setupRouter(t, &mockService{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/schedules", map[string]any{
		"task_id": "nightly",
		"queue":   "verification",
		"run_at":  time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nightly")

	w = doJSON(t, router, http.MethodDelete, "/api/v1/schedules/nightly", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/schedules/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router := setupRouter(t, &mockService{})

	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthUnhealthyIs503(t *testing.T) {
	svc := &mockService{
		healthFunc: func() *health.Snapshot {
			return &health.Snapshot{Status: health.StatusUnhealthy}
		},
	}
	router := setupRouter(t, svc)

	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestQueueControl(t *testing.T) {
	svc := &mockService{}
	router := setupRouter(t, svc)

	w := doJSON(t, router, http.MethodPost, "/api/v1/queues/verification/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/v1/queues/verification/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"verification"}, svc.pausedQueues)
	assert.Equal(t, []string{"verification"}, svc.resumedQueues)
}

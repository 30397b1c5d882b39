package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/config"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/orchestrator"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/queue"
)

// verifierBreaker is the shared breaker name for the downstream verifier;
// the single and batch processors share its fault state.
const verifierBreaker = "verifier"

// defaultProcessors builds the production processors: single verifications
// and batches both forward to the downstream verifier, guarded by a shared
// circuit breaker. Without a configured verifier URL the queues run in
// accept-only mode, which keeps the orchestrator deployable ahead of the
// analysis layer.
func defaultProcessors(svc *orchestrator.Service, cfg *config.Config, log logger.Logger) map[string]queue.Processor {
	client := &http.Client{Timeout: cfg.Verifier.Timeout}

	verifyOne := func(ctx context.Context, req orchestrator.VerificationRequest) error {
		if cfg.Verifier.URL == "" {
			log.Debug("no verifier configured, accepting content as-is",
				logger.String("content_id", req.ContentID),
			)
			return nil
		}

		return svc.Breaker(verifierBreaker).Execute(ctx, func(ctx context.Context) error {
			body, err := json.Marshal(req)
			if err != nil {
				return fmt.Errorf("encode verification request: %w", err)
			}

			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Verifier.URL, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("build verifier request: %w", err)
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(httpReq)
			if err != nil {
				return fmt.Errorf("call verifier: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= http.StatusMultipleChoices {
				return fmt.Errorf("verifier returned %s", resp.Status)
			}
			return nil
		})
	}

	return map[string]queue.Processor{
		orchestrator.QueueVerification: func(ctx context.Context, job *queue.Job) error {
			var req orchestrator.VerificationRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return fmt.Errorf("decode verification payload: %w", err)
			}
			return verifyOne(ctx, req)
		},

		orchestrator.QueueBatch: func(ctx context.Context, job *queue.Job) error {
			var req orchestrator.BatchRequest
			if err := json.Unmarshal(job.Payload, &req); err != nil {
				return fmt.Errorf("decode batch payload: %w", err)
			}

			total := len(req.Items)
			for i, item := range req.Items {
				if err := verifyOne(ctx, item); err != nil {
					return fmt.Errorf("item %d of %d: %w", i+1, total, err)
				}

				pct := (i + 1) * 100 / total
				step := fmt.Sprintf("verified item %d/%d", i+1, total)
				if err := svc.ReportProgress(ctx, job.ID, pct, step, map[string]any{
					"content_id": item.ContentID,
				}); err != nil {
					log.Warn("batch progress report dropped",
						logger.String("job_id", job.ID),
						logger.Error(err),
					)
				}
			}
			return nil
		},
	}
}

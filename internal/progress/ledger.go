package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
)

const (
	// keyPrefix namespaces all progress records in the shared store.
	keyPrefix = "progress:op:"
	// maxSteps bounds the step history kept per record.
	maxSteps = 50
	// maxProgress is the completion percentage.
	maxProgress = 100
)

// Ledger tracks operation progress in the shared store. Records expire a
// sliding TTL after their last mutation; a cleanup sweep additionally removes
// old terminal records.
type Ledger struct {
	store  store.Store
	ttl    time.Duration
	logger logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewLedger creates a progress ledger. ttl is the sliding expiry window
// applied on every mutation.
func NewLedger(st store.Store, ttl time.Duration, log logger.Logger) *Ledger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Ledger{
		store:  st,
		ttl:    ttl,
		logger: log,
		now:    time.Now,
	}
}

func key(operationID string) string {
	return keyPrefix + operationID
}

// Create starts tracking an operation and returns the initial record.
func (l *Ledger) Create(ctx context.Context, operationID, description string, totalSteps int) (*Record, error) {
	if operationID == "" {
		return nil, errors.New("operation id is required")
	}
	if totalSteps <= 0 {
		totalSteps = 1
	}

	now := l.now()
	rec := &Record{
		OperationID: operationID,
		Description: description,
		Status:      StatusStarted,
		Progress:    0,
		TotalSteps:  totalSteps,
		CurrentStep: 0,
		StartTime:   now,
		LastUpdate:  now,
		Steps: []Step{{
			Timestamp:   now,
			Progress:    0,
			Description: "operation started",
		}},
	}

	if err := l.save(ctx, rec); err != nil {
		return nil, err
	}

	l.logger.Debug("progress record created",
		logger.String("operation_id", operationID),
		logger.Int("total_steps", totalSteps),
	)
	return rec, nil
}

// Update records a progress step. Progress is clamped to [0,100]; reaching
// 100 promotes the record to completed. Progress never regresses: an update
// below the stored percentage records the step but keeps the higher value.
//
// Updating an unknown id returns (nil, nil): the operation may have expired
// and callers treat that as "ignore".
func (l *Ledger) Update(ctx context.Context, operationID string, progress int, stepDescription string, metadata map[string]any) (*Record, error) {
	rec, err := l.load(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status.Terminal() {
		return rec, nil
	}

	progress = clamp(progress)
	if progress < rec.Progress {
		progress = rec.Progress
	}

	now := l.now()
	rec.Progress = progress
	rec.CurrentStep = progress * rec.TotalSteps / maxProgress
	rec.LastUpdate = now
	rec.Steps = appendStep(rec.Steps, Step{
		Timestamp:   now,
		Progress:    progress,
		Description: stepDescription,
		Metadata:    metadata,
	})

	switch {
	case progress >= maxProgress:
		rec.Status = StatusCompleted
		rec.EndTime = now
	case progress > 0:
		rec.Status = StatusInProgress
	}

	if err := l.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Fail marks the operation failed with the given message.
// Failing an unknown id returns (nil, nil).
func (l *Ledger) Fail(ctx context.Context, operationID, message string, details map[string]any) (*Record, error) {
	rec, err := l.load(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	now := l.now()
	rec.Status = StatusFailed
	rec.ErrorMessage = message
	rec.LastUpdate = now
	rec.EndTime = now
	rec.Steps = appendStep(rec.Steps, Step{
		Timestamp:   now,
		Progress:    rec.Progress,
		Description: "operation failed: " + message,
		Metadata:    details,
	})

	if err := l.save(ctx, rec); err != nil {
		return nil, err
	}

	l.logger.Debug("progress record failed",
		logger.String("operation_id", operationID),
		logger.String("message", message),
	)
	return rec, nil
}

// Get returns the record for an operation id, or nil when unknown.
func (l *Ledger) Get(ctx context.Context, operationID string) (*Record, error) {
	return l.load(ctx, operationID)
}

// ListActive returns all records that are not in a terminal state.
func (l *Ledger) ListActive(ctx context.Context) ([]*Record, error) {
	keys, err := l.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan progress records: %w", err)
	}

	var active []*Record
	for _, k := range keys {
		raw, err := l.store.Get(ctx, k)
		if err != nil {
			// Deleted or expired between scan and read.
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			l.logger.Warn("skipping malformed progress record",
				logger.String("key", k),
				logger.Error(err),
			)
			continue
		}
		if !rec.Status.Terminal() {
			active = append(active, &rec)
		}
	}
	return active, nil
}

// Sweep removes terminal records whose last update is older than maxAge.
// Active records are never swept by age alone. Returns the number removed.
func (l *Ledger) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := l.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan progress records: %w", err)
	}

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for _, k := range keys {
		raw, err := l.store.Get(ctx, k)
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Malformed records are removed rather than left to rot.
			if delErr := l.store.Delete(ctx, k); delErr == nil {
				removed++
			}
			continue
		}

		if rec.Status.Terminal() && rec.LastUpdate.Before(cutoff) {
			if err := l.store.Delete(ctx, k); err != nil {
				l.logger.Warn("failed to sweep progress record",
					logger.String("operation_id", rec.OperationID),
					logger.Error(err),
				)
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		l.logger.Info("swept terminal progress records", logger.Int("removed", removed))
	}
	return removed, nil
}

// load returns nil when the record does not exist.
func (l *Ledger) load(ctx context.Context, operationID string) (*Record, error) {
	raw, err := l.store.Get(ctx, key(operationID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progress %s: %w", operationID, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode progress %s: %w", operationID, err)
	}
	return &rec, nil
}

// save persists the record and refreshes its sliding expiry.
func (l *Ledger) save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", rec.OperationID, err)
	}
	if err := l.store.SetWithTTL(ctx, key(rec.OperationID), string(data), l.ttl); err != nil {
		return fmt.Errorf("save progress %s: %w", rec.OperationID, err)
	}
	return nil
}

func appendStep(steps []Step, s Step) []Step {
	steps = append(steps, s)
	if len(steps) > maxSteps {
		steps = steps[len(steps)-maxSteps:]
	}
	return steps
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxProgress {
		return maxProgress
	}
	return p
}

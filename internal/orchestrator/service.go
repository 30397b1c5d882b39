// Package orchestrator wires the queue manager, progress ledger, metrics
// aggregator, scheduler and circuit breakers into one façade for the HTTP
// layer, CLI and tests.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/breaker"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/config"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/health"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/metrics"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/progress"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/queue"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/scheduler"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/telemetry"
)

// Well-known queue names the submit operations target.
const (
	QueueVerification = "verification"
	QueueBatch        = "batch"
)

// verificationSteps is the nominal step count of a single verification;
// processors report finer-grained progress through the ledger themselves.
const verificationSteps = 4

// Option customizes a Service before Initialize.
type Option func(*Service)

// WithStore injects an already-connected store, skipping the Redis dial in
// Initialize. Used by tests and embedders that manage the connection.
func WithStore(st *store.RedisStore) Option {
	return func(s *Service) { s.store = st }
}

// WithTelemetry wires per-instance Prometheus instrumentation.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Service) { s.telemetry = p }
}

// Service is the orchestration façade. Submit operations validate, create a
// progress record, enqueue and return a job id immediately; everything
// downstream is asynchronous and observed through the progress and metrics
// queries.
type Service struct {
	config    *config.Config
	logger    logger.Logger
	telemetry *telemetry.Provider

	store      *store.RedisStore
	broker     *queue.RedisBroker
	manager    *queue.Manager
	ledger     *progress.Ledger
	aggregator *metrics.Aggregator
	scheduler  *scheduler.Scheduler
	breakers   *breaker.Registry
	checker    *health.Checker

	lastHealth atomic.Pointer[health.Snapshot]

	mu          sync.Mutex
	initialized bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// NewService creates an uninitialized orchestration service.
func NewService(cfg *config.Config, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		config: cfg,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize connects the backing store, builds every component, registers
// the given processors onto their queues and starts the dispatch, scheduler
// and health loops. Idempotent: a second call is a no-op. Infrastructure
// failures here propagate to the caller; the service must fail fast at
// startup rather than limp.
func (s *Service) Initialize(ctx context.Context, processors map[string]queue.Processor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if len(processors) == 0 {
		return newValidationError("processors", "at least one queue processor is required")
	}

	if s.store == nil {
		st, err := store.Connect(s.config.Redis.Address, s.config.Redis.Password, s.config.Redis.DB)
		if err != nil {
			return newInfrastructureError("redis", err)
		}
		s.store = st
	}

	s.ledger = progress.NewLedger(s.store, s.config.Progress.TTL, s.logger)
	s.aggregator = metrics.NewAggregator(s.store, s.logger)
	s.breakers = breaker.NewRegistry(breaker.DefaultConfig(), s.onBreakerEvent)
	s.checker = health.NewChecker()

	s.broker = queue.NewRedisBroker(s.store.Client(), queue.RedisBrokerConfig{
		MaxSize:            s.config.Queues.MaxSize,
		VisibilityTimeout:  s.config.Queues.VisibilityTimeout,
		CompletedRetention: s.config.Queues.CompletedRetention,
		FailedRetention:    s.config.Queues.FailedRetention,
	}, s.logger)

	managerOpts := []queue.Option{
		queue.WithProgress(s.ledger),
		queue.WithMetrics(s.aggregator),
	}
	if s.telemetry != nil {
		managerOpts = append(managerOpts, queue.WithTelemetry(s.telemetry))
	}
	s.manager = queue.NewManager(s.broker, queue.ManagerConfig{
		DefaultAttempts: s.config.Queues.DefaultAttempts,
		Concurrency:     s.config.Queues.DefaultConcurrency,
		BackoffBase:     s.config.Queues.BackoffBase,
	}, s.logger, managerOpts...)

	for queueName, proc := range processors {
		if err := s.manager.RegisterProcessor(queueName, proc); err != nil {
			return fmt.Errorf("register processor: %w", err)
		}
	}

	schedulerOpts := []scheduler.Option{scheduler.WithMetrics(s.aggregator)}
	if s.telemetry != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithTelemetry(s.telemetry))
	}
	s.scheduler = scheduler.NewScheduler(s.store, s.manager, scheduler.Config{
		TickInterval: s.config.Scheduler.TickInterval,
	}, s.logger, schedulerOpts...)

	s.checker.Register("redis", s.store.Ping)
	s.checker.Register("broker", s.broker.Ping)

	if err := s.manager.Start(ctx); err != nil {
		return newInfrastructureError("queue manager", err)
	}
	s.scheduler.Start()

	s.stopChan = make(chan struct{})
	s.wg.Add(2)
	go s.healthLoop()
	go s.sweepLoop()

	s.initialized = true
	s.logger.Info("orchestrator initialized",
		logger.Int("queues", len(processors)),
	)
	return nil
}

// Breaker returns the shared circuit breaker for a dependency name.
// Processors wrap their external calls with it; call sites using the same
// name share fault state.
func (s *Service) Breaker(name string) *breaker.Breaker {
	return s.breakers.Get(name)
}

// VerificationRequest is a single content-verification submission.
type VerificationRequest struct {
	ContentID   string         `json:"content_id"`
	ContentType string         `json:"content_type,omitempty"`
	Priority    bool           `json:"priority,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SubmitVerification validates the request, creates a progress record and
// enqueues a verification job. Returns the job id immediately; completion is
// observed via GetJobProgress.
func (s *Service) SubmitVerification(ctx context.Context, req VerificationRequest) (string, error) {
	if err := s.requireInitialized(); err != nil {
		return "", err
	}
	if req.ContentID == "" {
		return "", newValidationError("content_id", "must not be empty")
	}
	if req.ContentType == "" {
		req.ContentType = "text"
	}

	jobID := uuid.NewString()
	desc := fmt.Sprintf("verification of %s content %s", req.ContentType, req.ContentID)
	if _, err := s.ledger.Create(ctx, jobID, desc, verificationSteps); err != nil {
		return "", newInfrastructureError("progress ledger", err)
	}

	if err := s.enqueue(ctx, QueueVerification, req, queue.EnqueueOptions{
		ID:       jobID,
		Priority: req.Priority,
	}); err != nil {
		return "", err
	}
	return jobID, nil
}

// BatchRequest groups multiple verifications into one batch job.
type BatchRequest struct {
	Items    []VerificationRequest `json:"items"`
	Priority bool                  `json:"priority,omitempty"`
}

// SubmitBatch validates and enqueues a batch verification job. The progress
// record's step count is the batch size, so per-item processor updates map
// directly onto steps.
func (s *Service) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	if err := s.requireInitialized(); err != nil {
		return "", err
	}
	if len(req.Items) == 0 {
		return "", newValidationError("items", "batch must contain at least one item")
	}
	for i, item := range req.Items {
		if item.ContentID == "" {
			return "", newValidationError("items", fmt.Sprintf("item %d has no content_id", i))
		}
	}

	jobID := uuid.NewString()
	desc := fmt.Sprintf("batch verification of %d items", len(req.Items))
	if _, err := s.ledger.Create(ctx, jobID, desc, len(req.Items)); err != nil {
		return "", newInfrastructureError("progress ledger", err)
	}

	if err := s.enqueue(ctx, QueueBatch, req, queue.EnqueueOptions{
		ID:       jobID,
		Priority: req.Priority,
	}); err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *Service) enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) error {
	_, err := s.manager.Enqueue(ctx, queueName, payload, opts)
	if err == nil {
		return nil
	}

	// The progress record was already created; mark it failed so callers
	// polling the id see a terminal state instead of a stuck one.
	if _, failErr := s.ledger.Fail(ctx, opts.ID, "submission failed: "+err.Error(), nil); failErr != nil {
		s.logger.Warn("could not fail progress record for rejected submission",
			logger.String("job_id", opts.ID),
			logger.Error(failErr),
		)
	}

	if errors.Is(err, queue.ErrQueueFull) {
		return newValidationError("queue", fmt.Sprintf("%s is at capacity", queueName))
	}
	return newInfrastructureError("queue", err)
}

// ScheduleRequest registers a one-time or recurring task. Exactly one of
// RunAt and Rule must be set.
type ScheduleRequest struct {
	TaskID  string                    `json:"task_id,omitempty"`
	Queue   string                    `json:"queue"`
	Payload json.RawMessage           `json:"payload,omitempty"`
	RunAt   time.Time                 `json:"run_at,omitzero"`
	Rule    *scheduler.RecurrenceRule `json:"rule,omitempty"`
	StartAt time.Time                 `json:"start_at,omitzero"`
	EndAt   time.Time                 `json:"end_at,omitzero"`
}

// SubmitScheduled registers a scheduled task targeting one of the service's
// queues and returns the schedule entry.
func (s *Service) SubmitScheduled(ctx context.Context, req ScheduleRequest) (*scheduler.Entry, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if req.Queue == "" {
		return nil, newValidationError("queue", "must not be empty")
	}
	if !s.knownQueue(req.Queue) {
		return nil, newValidationError("queue", fmt.Sprintf("no processor registered for %q", req.Queue))
	}

	switch {
	case req.Rule != nil && !req.RunAt.IsZero():
		return nil, newValidationError("schedule", "run_at and rule are mutually exclusive")
	case req.Rule != nil:
		entry, err := s.scheduler.ScheduleRecurring(ctx, req.TaskID, req.Queue, req.Payload, *req.Rule, scheduler.Window{
			StartAt: req.StartAt,
			EndAt:   req.EndAt,
		})
		if err != nil {
			return nil, newValidationError("rule", err.Error())
		}
		return entry, nil
	case !req.RunAt.IsZero():
		entry, err := s.scheduler.ScheduleOnce(ctx, req.TaskID, req.Queue, req.Payload, req.RunAt)
		if err != nil {
			return nil, newValidationError("run_at", err.Error())
		}
		return entry, nil
	default:
		return nil, newValidationError("schedule", "either run_at or rule is required")
	}
}

// ListScheduled returns all registered schedule entries.
func (s *Service) ListScheduled(ctx context.Context) ([]*scheduler.Entry, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	return s.scheduler.List(ctx)
}

// CancelScheduled removes a schedule entry and reports whether one existed.
func (s *Service) CancelScheduled(ctx context.Context, taskID string) (bool, error) {
	if err := s.requireInitialized(); err != nil {
		return false, err
	}
	return s.scheduler.Cancel(ctx, taskID)
}

// GetJobProgress returns the progress record for a job id, or nil when the
// id is unknown or the record has expired.
func (s *Service) GetJobProgress(ctx context.Context, jobID string) (*progress.Record, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	return s.ledger.Get(ctx, jobID)
}

// ReportProgress records fine-grained progress for a job. Processors use it
// for per-step updates beyond the coarse dispatch reporting. Unknown ids are
// a no-op.
func (s *Service) ReportProgress(ctx context.Context, jobID string, pct int, step string, metadata map[string]any) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.ledger.Update(ctx, jobID, pct, step, metadata)
	return err
}

// ListActiveOperations returns all non-terminal progress records.
func (s *Service) ListActiveOperations(ctx context.Context) ([]*progress.Record, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	return s.ledger.ListActive(ctx)
}

// MetricsReport is the aggregate operational view across the fleet plus this
// instance's queues and breakers.
type MetricsReport struct {
	Aggregate *metrics.Snapshot `json:"aggregate"`
	Queues    []*queue.Metrics  `json:"queues"`
	Breakers  []breaker.Stats   `json:"breakers"`
}

// GetMetrics composes the shared counters with per-queue and breaker state.
func (s *Service) GetMetrics(ctx context.Context) (*MetricsReport, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}

	snap, err := s.aggregator.SnapshotAll(ctx)
	if err != nil {
		return nil, newInfrastructureError("metrics aggregator", err)
	}

	report := &MetricsReport{
		Aggregate: snap,
		Breakers:  s.breakers.Stats(),
	}
	for _, queueName := range s.manager.Queues() {
		qm, err := s.manager.Metrics(ctx, queueName)
		if err != nil {
			s.logger.Warn("queue metrics unavailable",
				logger.String("queue", queueName),
				logger.Error(err),
			)
			continue
		}
		report.Queues = append(report.Queues, qm)
	}
	return report, nil
}

// Health returns the most recent periodic health snapshot, evaluating one on
// demand if the loop has not run yet.
func (s *Service) Health(ctx context.Context) *health.Snapshot {
	if snap := s.lastHealth.Load(); snap != nil {
		return snap
	}
	if s.checker == nil {
		return &health.Snapshot{Status: health.StatusUnhealthy, CheckedAt: time.Now()}
	}
	return s.checker.Check(ctx)
}

// PauseQueue suspends delivery for a queue.
func (s *Service) PauseQueue(ctx context.Context, queueName string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	return s.manager.Pause(ctx, queueName)
}

// ResumeQueue re-enables delivery for a queue.
func (s *Service) ResumeQueue(ctx context.Context, queueName string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	return s.manager.Resume(ctx, queueName)
}

// Close stops the health loop, scheduler and queue manager, then releases
// the store. Component failures are logged and do not stop the rest of the
// shutdown. The service ends uninitialized and can be re-initialized.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}

	close(s.stopChan)
	s.wg.Wait()

	s.scheduler.Stop()
	s.manager.Stop()

	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.store = nil

	s.initialized = false
	s.logger.Info("orchestrator closed")
	return errors.Join(errs...)
}

func (s *Service) requireInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) knownQueue(name string) bool {
	for _, q := range s.manager.Queues() {
		if q == name {
			return true
		}
	}
	return false
}

func (s *Service) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Health.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Health.Interval)
			snap := s.checker.Check(ctx)
			cancel()

			s.lastHealth.Store(snap)
			if snap.Status != health.StatusHealthy {
				s.logger.Warn("health check not passing",
					logger.String("status", string(snap.Status)),
					logger.Any("checks", snap.Checks),
				)
			}
		}
	}
}

// sweepInterval is how often terminal progress records past their retention
// are removed. TTLs already bound record lifetime; the sweep reclaims
// terminal records early so ListActive scans stay cheap.
const sweepInterval = time.Hour

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			removed, err := s.ledger.Sweep(ctx, s.config.Progress.SweepMaxAge)
			cancel()

			if err != nil {
				s.logger.Warn("progress sweep failed", logger.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("swept terminal progress records",
					logger.Int("removed", removed),
				)
			}
		}
	}
}

func (s *Service) onBreakerEvent(ev breaker.Event) {
	switch ev.Type {
	case breaker.EventStateChange:
		s.logger.Warn("breaker state changed",
			logger.String("dependency", ev.Name),
			logger.String("from", ev.PrevState.String()),
			logger.String("to", ev.State.String()),
		)
		if s.telemetry != nil {
			s.telemetry.SetBreakerState(ev.Name, int(ev.State))
		}
	case breaker.EventRejected:
		s.logger.Warn("breaker rejected call",
			logger.String("dependency", ev.Name),
		)
		if s.telemetry != nil {
			s.telemetry.RecordBreakerRejection(ev.Name)
		}
	case breaker.EventFailure:
		s.logger.Debug("breaker recorded failure",
			logger.String("dependency", ev.Name),
			logger.Error(ev.Err),
		)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/metrics"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/progress"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/telemetry"
)

const (
	// defaultPollInterval is the worker idle sleep between empty dequeues.
	defaultPollInterval = 500 * time.Millisecond
	// defaultReclaimInterval is how often expired leases are swept.
	defaultReclaimInterval = 30 * time.Second
	// maxBackoff caps the exponential retry delay.
	maxBackoff = 5 * time.Minute
)

// Processor handles one job delivery. Returning an error triggers retry with
// backoff until the job's attempts are exhausted. Deliveries can repeat, so
// processors must be idempotent per job id.
type Processor func(ctx context.Context, job *Job) error

// ProgressReporter receives job lifecycle progress. Satisfied by the
// progress ledger; reports for unknown operation ids are no-ops.
type ProgressReporter interface {
	Update(ctx context.Context, operationID string, pct int, stepDescription string, metadata map[string]any) (*progress.Record, error)
	Fail(ctx context.Context, operationID, message string, details map[string]any) (*progress.Record, error)
}

// MetricsSink receives cross-instance job counters and timings. Satisfied by
// the metrics aggregator.
type MetricsSink interface {
	Incr(ctx context.Context, name string, delta int64) error
	Observe(ctx context.Context, name string, value float64) error
}

// ManagerConfig configures the queue manager.
type ManagerConfig struct {
	// DefaultAttempts is the delivery attempts for jobs that do not override it.
	DefaultAttempts int
	// Concurrency is the worker pool size per queue.
	Concurrency int
	// BackoffBase is the first retry delay; it doubles per failed attempt.
	BackoffBase time.Duration
	// PollInterval is the worker sleep when the queue is empty or paused.
	PollInterval time.Duration
	// ReclaimInterval is how often expired leases are returned to pending.
	ReclaimInterval time.Duration
}

func (c *ManagerConfig) setDefaults() {
	if c.DefaultAttempts <= 0 {
		c.DefaultAttempts = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithProgress wires job lifecycle reporting into a progress ledger.
func WithProgress(p ProgressReporter) Option {
	return func(m *Manager) { m.progress = p }
}

// WithMetrics wires job counters into a shared metrics sink.
func WithMetrics(s MetricsSink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithTelemetry wires per-instance Prometheus instrumentation.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(m *Manager) { m.telemetry = p }
}

// Manager dispatches jobs from named queues to registered processors with
// bounded concurrency. Each queue gets its own worker pool; a shared sweeper
// reclaims expired leases so jobs from crashed workers are redelivered.
type Manager struct {
	broker Broker
	config ManagerConfig
	logger logger.Logger
	tracer trace.Tracer

	progress  ProgressReporter
	metrics   MetricsSink
	telemetry *telemetry.Provider

	mu         sync.Mutex
	processors map[string]Processor
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a queue manager on the given broker.
func NewManager(broker Broker, cfg ManagerConfig, log logger.Logger, opts ...Option) *Manager {
	cfg.setDefaults()

	m := &Manager{
		broker:     broker,
		config:     cfg,
		logger:     log,
		tracer:     otel.Tracer("queue-manager"),
		processors: make(map[string]Processor),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterProcessor binds a processor to a queue name. Must be called before
// Start; re-registering a queue replaces its processor.
func (m *Manager) RegisterProcessor(queue string, p Processor) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if p == nil {
		return fmt.Errorf("nil processor for queue %s", queue)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("cannot register %s: manager already started", queue)
	}
	m.processors[queue] = p
	return nil
}

// Enqueue submits a job to the named queue. The id in opts is the idempotency
// key; when empty a fresh one is generated. Resubmitting an id that is still
// known to the broker returns the existing job instead of creating a second one.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (*Job, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}

	raw, err := toRawPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = m.config.DefaultAttempts
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	job := &Job{
		ID:              id,
		Queue:           queue,
		Payload:         raw,
		Priority:        opts.Priority,
		AttemptsAllowed: attempts,
		CreatedAt:       time.Now(),
	}

	err = m.broker.Enqueue(ctx, job)
	if errors.Is(err, ErrDuplicateJob) {
		existing, getErr := m.broker.GetJob(ctx, queue, id)
		if getErr != nil {
			return nil, fmt.Errorf("load duplicate job %s: %w", id, getErr)
		}
		m.logger.Debug("duplicate submission ignored",
			logger.String("queue", queue),
			logger.String("job_id", id),
		)
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	m.incr(ctx, metrics.CounterJobsSubmitted, 1)
	m.incr(ctx, metrics.CounterJobsPending, 1)
	m.logger.Info("job enqueued",
		logger.String("queue", queue),
		logger.String("job_id", id),
		logger.Bool("priority", job.Priority),
	)
	return job, nil
}

// Start launches the worker pools for every registered queue plus the lease
// sweeper. Idempotent; a second Start is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if len(m.processors) == 0 {
		return errors.New("no processors registered")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.started = true

	for queue, proc := range m.processors {
		for i := 0; i < m.config.Concurrency; i++ {
			m.wg.Add(1)
			go m.workerLoop(runCtx, queue, proc)
		}
	}

	m.wg.Add(1)
	go m.sweeperLoop(runCtx)

	m.logger.Info("queue manager started",
		logger.Int("queues", len(m.processors)),
		logger.Int("workers_per_queue", m.config.Concurrency),
	)
	return nil
}

// Stop halts all workers and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("queue manager stopped")
}

// Pause stops job delivery for the queue; enqueued jobs accumulate.
func (m *Manager) Pause(ctx context.Context, queue string) error {
	if err := m.broker.Pause(ctx, queue); err != nil {
		return err
	}
	m.logger.Info("queue paused", logger.String("queue", queue))
	return nil
}

// Resume re-enables job delivery for the queue.
func (m *Manager) Resume(ctx context.Context, queue string) error {
	if err := m.broker.Resume(ctx, queue); err != nil {
		return err
	}
	m.logger.Info("queue resumed", logger.String("queue", queue))
	return nil
}

// Metrics returns the state census and pause flag for one queue.
func (m *Manager) Metrics(ctx context.Context, queue string) (*Metrics, error) {
	counts, err := m.broker.Counts(ctx, queue)
	if err != nil {
		return nil, err
	}
	paused, err := m.broker.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &Metrics{Queue: queue, Counts: counts, IsPaused: paused}, nil
}

// GetJob returns the stored record for a job id.
func (m *Manager) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	return m.broker.GetJob(ctx, queue, id)
}

// Purge removes terminal job records older than olderThan.
func (m *Manager) Purge(ctx context.Context, queue string, olderThan time.Duration, state State) (int, error) {
	return m.broker.Purge(ctx, queue, olderThan, state)
}

// Queues returns the registered queue names.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.processors))
	for q := range m.processors {
		names = append(names, q)
	}
	return names
}

func (m *Manager) workerLoop(ctx context.Context, queue string, proc Processor) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.broker.Dequeue(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("dequeue failed",
				logger.String("queue", queue),
				logger.Error(err),
			)
			m.idle(ctx)
			continue
		}
		if job == nil {
			m.idle(ctx)
			continue
		}

		m.process(ctx, job, proc)
	}
}

func (m *Manager) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.config.PollInterval):
	}
}

func (m *Manager) process(ctx context.Context, job *Job, proc Processor) {
	ctx, span := m.tracer.Start(ctx, "queue.process", trace.WithAttributes(
		attribute.String("queue", job.Queue),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	if m.telemetry != nil {
		m.telemetry.WorkerStarted()
		defer m.telemetry.WorkerDone()
	}

	m.reportProgress(ctx, job, 0, fmt.Sprintf("processing attempt %d", job.Attempt))

	start := time.Now()
	err := m.invoke(ctx, job, proc)
	elapsed := time.Since(start)

	if err == nil {
		m.finishSuccess(ctx, job, elapsed)
		return
	}
	m.finishFailure(ctx, job, err)
}

// invoke runs the processor, converting a panic into a failed attempt so one
// bad job cannot take down the worker pool.
func (m *Manager) invoke(ctx context.Context, job *Job, proc Processor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(ctx, job)
}

func (m *Manager) finishSuccess(ctx context.Context, job *Job, elapsed time.Duration) {
	if err := m.broker.Ack(ctx, job); err != nil {
		m.logger.Error("ack failed",
			logger.String("queue", job.Queue),
			logger.String("job_id", job.ID),
			logger.Error(err),
		)
		return
	}

	m.incr(ctx, metrics.CounterJobsPending, -1)
	m.incr(ctx, metrics.CounterJobsProcessed, 1)
	m.observe(ctx, metrics.HistProcessingMS, float64(elapsed.Milliseconds()))
	if m.telemetry != nil {
		m.telemetry.RecordJob(job.Queue, true, elapsed)
	}
	m.reportProgress(ctx, job, 100, "completed")

	m.logger.Info("job completed",
		logger.String("queue", job.Queue),
		logger.String("job_id", job.ID),
		logger.Int("attempt", job.Attempt),
		logger.Duration("elapsed", elapsed),
	)
}

func (m *Manager) finishFailure(ctx context.Context, job *Job, cause error) {
	backoff := m.backoffFor(job.Attempt)
	state, err := m.broker.Nack(ctx, job, cause, backoff)
	if err != nil {
		m.logger.Error("nack failed",
			logger.String("queue", job.Queue),
			logger.String("job_id", job.ID),
			logger.Error(err),
		)
		return
	}

	if state == StateRetryWait {
		m.incr(ctx, metrics.CounterJobsRetried, 1)
		if m.telemetry != nil {
			m.telemetry.RecordJobRetry(job.Queue)
		}
		m.logger.Warn("job attempt failed, retrying",
			logger.String("queue", job.Queue),
			logger.String("job_id", job.ID),
			logger.Int("attempt", job.Attempt),
			logger.Int("attempts_allowed", job.AttemptsAllowed),
			logger.Duration("backoff", backoff),
			logger.Error(cause),
		)
		return
	}

	m.incr(ctx, metrics.CounterJobsPending, -1)
	m.incr(ctx, metrics.CounterJobsFailed, 1)
	if m.telemetry != nil {
		m.telemetry.RecordJobFailure(job.Queue)
	}
	if m.progress != nil {
		if _, err := m.progress.Fail(ctx, job.ID, cause.Error(), map[string]any{
			"queue":   job.Queue,
			"attempt": job.Attempt,
		}); err != nil {
			m.logger.Warn("progress fail report dropped",
				logger.String("job_id", job.ID),
				logger.Error(err),
			)
		}
	}

	m.logger.Error("job failed terminally",
		logger.String("queue", job.Queue),
		logger.String("job_id", job.ID),
		logger.Int("attempts", job.Attempt),
		logger.Error(cause),
	)
}

// backoffFor returns BackoffBase * 2^(attempt-1), capped.
func (m *Manager) backoffFor(attempt int) time.Duration {
	backoff := m.config.BackoffBase
	for i := 0; i < attempt-1; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func (m *Manager) sweeperLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, queue := range m.Queues() {
		reclaimed, err := m.broker.ReclaimExpired(ctx, queue)
		if err != nil {
			m.logger.Error("lease reclaim failed",
				logger.String("queue", queue),
				logger.Error(err),
			)
			continue
		}
		if reclaimed > 0 {
			m.logger.Warn("reclaimed expired leases",
				logger.String("queue", queue),
				logger.Int("count", reclaimed),
			)
		}

		if m.telemetry != nil {
			if counts, err := m.broker.Counts(ctx, queue); err == nil {
				m.telemetry.SetQueueDepth(queue, int(counts.Pending))
			}
		}
	}
}

func (m *Manager) reportProgress(ctx context.Context, job *Job, pct int, step string) {
	if m.progress == nil {
		return
	}
	_, err := m.progress.Update(ctx, job.ID, pct, step, map[string]any{
		"queue":   job.Queue,
		"attempt": job.Attempt,
	})
	if err != nil {
		m.logger.Warn("progress report dropped",
			logger.String("job_id", job.ID),
			logger.Error(err),
		)
	}
}

func (m *Manager) incr(ctx context.Context, name string, delta int64) {
	if m.metrics == nil {
		return
	}
	if err := m.metrics.Incr(ctx, name, delta); err != nil {
		m.logger.Warn("metric increment dropped",
			logger.String("metric", name),
			logger.Error(err),
		)
	}
}

func (m *Manager) observe(ctx context.Context, name string, value float64) {
	if m.metrics == nil {
		return
	}
	if err := m.metrics.Observe(ctx, name, value); err != nil {
		m.logger.Warn("metric observation dropped",
			logger.String("metric", name),
			logger.Error(err),
		)
	}
}

func toRawPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/metrics"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/queue"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/telemetry"
)

// Dispatcher hands a due task to a queue. Satisfied by the queue manager;
// because the task id is the queue's idempotency key, concurrent ticks on
// multiple instances dispatch each task once.
type Dispatcher interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (*queue.Job, error)
}

// Config configures the scheduler.
type Config struct {
	// TickInterval is how often due entries are evaluated.
	TickInterval time.Duration
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTelemetry wires per-instance Prometheus instrumentation.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(s *Scheduler) { s.telemetry = p }
}

// WithMetrics wires dispatch counters into the shared metrics sink.
func WithMetrics(sink queue.MetricsSink) Option {
	return func(s *Scheduler) { s.metrics = sink }
}

// Scheduler evaluates schedule entries in the shared store and dispatches
// the due ones. All instances run the same loop; the store holds the single
// source of truth for entries.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	config     Config
	logger     logger.Logger

	telemetry *telemetry.Provider
	metrics   queue.MetricsSink

	// now is swappable for tests.
	now func() time.Time

	mu       sync.Mutex
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler on the shared store.
func NewScheduler(st store.Store, d Dispatcher, cfg Config, log logger.Logger, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}

	s := &Scheduler{
		store:      st,
		dispatcher: d,
		config:     cfg,
		logger:     log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleOnce registers a task to run once at runAt. An empty id gets a
// generated one; the id is returned on the entry. A runAt in the past fires
// on the next tick.
func (s *Scheduler) ScheduleOnce(ctx context.Context, id, queueName string, payload json.RawMessage, runAt time.Time) (*Entry, error) {
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if runAt.IsZero() {
		return nil, errors.New("run time is required")
	}
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	entry := &Entry{
		ID:        id,
		Queue:     queueName,
		Payload:   payload,
		CreatedAt: now,
		RunAt:     runAt,
	}

	ttl := runAt.Sub(now) + onceGrace
	if err := s.save(ctx, onceKey(id), entry, ttl); err != nil {
		return nil, err
	}

	s.logger.Info("one-time task scheduled",
		logger.String("task_id", id),
		logger.String("queue", queueName),
		logger.Time("run_at", runAt),
	)
	return entry, nil
}

// ScheduleRecurring registers a task that fires per the recurrence rule,
// optionally bounded by the window. The first firing is the next period
// boundary after registration (or after the window opens).
func (s *Scheduler) ScheduleRecurring(ctx context.Context, id, queueName string, payload json.RawMessage, rule RecurrenceRule, window Window) (*Entry, error) {
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recurrence rule: %w", err)
	}
	if !window.StartAt.IsZero() && !window.EndAt.IsZero() && window.EndAt.Before(window.StartAt) {
		return nil, errors.New("window end precedes window start")
	}
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	entry := &Entry{
		ID:        id,
		Queue:     queueName,
		Payload:   payload,
		CreatedAt: now,
		Rule:      &rule,
		LastRun:   now,
		StartAt:   window.StartAt,
		EndAt:     window.EndAt,
	}

	if err := s.save(ctx, recurKey(id), entry, recurTTL); err != nil {
		return nil, err
	}

	s.logger.Info("recurring task scheduled",
		logger.String("task_id", id),
		logger.String("queue", queueName),
		logger.String("rule", rule.String()),
	)
	return entry, nil
}

// Cancel removes a schedule entry by id from either namespace. Returns
// whether an entry was removed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	for _, key := range []string{onceKey(id), recurKey(id)} {
		_, err := s.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("look up schedule %s: %w", id, err)
		}
		if err := s.store.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("cancel schedule %s: %w", id, err)
		}
		s.logger.Info("schedule cancelled", logger.String("task_id", id))
		return true, nil
	}
	return false, nil
}

// List returns all registered schedule entries.
func (s *Scheduler) List(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	for _, prefix := range []string{keyPrefixOnce, keyPrefixRecur} {
		keys, err := s.store.ScanPrefix(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("scan schedules: %w", err)
		}
		for _, key := range keys {
			entry, err := s.load(ctx, key)
			if err != nil {
				s.logger.Warn("skipping unreadable schedule entry",
					logger.String("key", key),
					logger.Error(err),
				)
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Get returns the entry with the given id, or store.ErrNotFound.
func (s *Scheduler) Get(ctx context.Context, id string) (*Entry, error) {
	for _, key := range []string{onceKey(id), recurKey(id)} {
		entry, err := s.load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		return entry, err
	}
	return nil, store.ErrNotFound
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.config.TickInterval)
				if err := s.Tick(ctx); err != nil {
					s.logger.Error("scheduler tick finished with errors", logger.Error(err))
				}
				cancel()
			}
		}
	}()

	s.logger.Info("scheduler started",
		logger.Duration("tick_interval", s.config.TickInterval),
	)
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick evaluates every entry once and dispatches the due ones. One broken
// entry does not block the rest; per-entry failures are joined into the
// returned error.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	var errs []error

	if err := s.tickOnce(ctx, now, &errs); err != nil {
		errs = append(errs, err)
	}
	if err := s.tickRecurring(ctx, now, &errs); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 && s.telemetry != nil {
		for range errs {
			s.telemetry.RecordSchedulerTickError()
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) tickOnce(ctx context.Context, now time.Time, errs *[]error) error {
	keys, err := s.store.ScanPrefix(ctx, keyPrefixOnce)
	if err != nil {
		return fmt.Errorf("scan one-time schedules: %w", err)
	}

	for _, key := range keys {
		entry, err := s.load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if entry.RunAt.After(now) {
			continue
		}

		// The entry id is the job's idempotency key: if another instance
		// dispatched this entry first, the enqueue is a no-op.
		if err := s.dispatch(ctx, entry, entry.ID); err != nil {
			*errs = append(*errs, fmt.Errorf("dispatch %s: %w", entry.ID, err))
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			*errs = append(*errs, fmt.Errorf("remove fired schedule %s: %w", entry.ID, err))
		}
	}
	return nil
}

func (s *Scheduler) tickRecurring(ctx context.Context, now time.Time, errs *[]error) error {
	keys, err := s.store.ScanPrefix(ctx, keyPrefixRecur)
	if err != nil {
		return fmt.Errorf("scan recurring schedules: %w", err)
	}

	for _, key := range keys {
		entry, err := s.load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		if entry.Rule == nil {
			// Decoded cleanly but carries no rule; treat like any other
			// unreadable entry so one bad record never aborts the tick.
			*errs = append(*errs, fmt.Errorf("recurring schedule %s has no rule", entry.ID))
			continue
		}
		if !entry.StartAt.IsZero() && now.Before(entry.StartAt) {
			continue
		}
		if !entry.EndAt.IsZero() && now.After(entry.EndAt) {
			if err := s.store.Delete(ctx, key); err != nil {
				*errs = append(*errs, fmt.Errorf("retire expired schedule %s: %w", entry.ID, err))
			}
			continue
		}
		if !entry.Rule.Due(entry.LastRun, now) {
			continue
		}

		period := entry.Rule.PeriodStart(now)
		// Deterministic per-period job id: every instance that fires this
		// entry in the same period computes the same key, so only one
		// dispatch wins.
		taskID := fmt.Sprintf("%s:%d", entry.ID, period.Unix())
		if err := s.dispatch(ctx, entry, taskID); err != nil {
			*errs = append(*errs, fmt.Errorf("dispatch %s: %w", entry.ID, err))
			continue
		}

		// The actual fire time, not the period start: Due gates the next
		// firing on a full interval since this one.
		entry.LastRun = now
		if err := s.save(ctx, key, entry, recurTTL); err != nil {
			*errs = append(*errs, fmt.Errorf("advance schedule %s: %w", entry.ID, err))
		}
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, entry *Entry, taskID string) error {
	_, err := s.dispatcher.Enqueue(ctx, entry.Queue, entry.Payload, queue.EnqueueOptions{ID: taskID})
	if err != nil {
		return err
	}

	if s.telemetry != nil {
		s.telemetry.RecordSchedulerDispatch()
	}
	if s.metrics != nil {
		if err := s.metrics.Incr(ctx, metrics.CounterSchedFired, 1); err != nil {
			s.logger.Warn("scheduler metric dropped", logger.Error(err))
		}
	}

	s.logger.Info("scheduled task dispatched",
		logger.String("task_id", taskID),
		logger.String("queue", entry.Queue),
	)
	return nil
}

func (s *Scheduler) save(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", entry.ID, err)
	}
	if err := s.store.SetWithTTL(ctx, key, string(data), ttl); err != nil {
		return fmt.Errorf("save schedule %s: %w", entry.ID, err)
	}
	return nil
}

func (s *Scheduler) load(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load schedule %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", key, err)
	}
	return &entry, nil
}

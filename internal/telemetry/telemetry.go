// Package telemetry exposes Prometheus metrics for the orchestrator process.
// These are per-instance operational metrics; cross-instance job counters
// live in the shared store behind the metrics aggregator.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all orchestrator Prometheus metrics.
type Metrics struct {
	JobsProcessed      *prometheus.CounterVec
	JobsFailed         *prometheus.CounterVec
	JobsRetried        *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	QueueDepth    *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge

	BreakerState    *prometheus.GaugeVec
	BreakerRejected *prometheus.CounterVec

	SchedulerDispatches prometheus.Counter
	SchedulerTickErrors prometheus.Counter
}

// Provider wraps the process metrics and their HTTP handler.
type Provider struct {
	Metrics *Metrics
}

var (
	providerOnce sync.Once
	provider     *Provider
)

// NewProvider returns the process-wide telemetry provider. Metrics register
// against the default Prometheus registry, so the provider is a singleton to
// keep repeated construction (tests included) from panicking on duplicate
// registration.
func NewProvider() *Provider {
	providerOnce.Do(func() {
		provider = &Provider{Metrics: initMetrics()}
	})
	return provider
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

func initMetrics() *Metrics {
	m := &Metrics{}

	m.JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_processed_total",
		Help: "Total jobs that completed successfully",
	}, []string{"queue"})

	m.JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_failed_total",
		Help: "Total jobs that exhausted all delivery attempts",
	}, []string{"queue"})

	m.JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_retried_total",
		Help: "Total job delivery attempts that were retried",
	}, []string{"queue"})

	m.ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_job_processing_duration_seconds",
		Help:    "Time spent processing a single job",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"queue"})

	m.QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Current pending jobs per queue",
	}, []string{"queue"})

	m.ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_workers",
		Help: "Currently active worker goroutines",
	})

	m.BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	m.BreakerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_breaker_rejected_total",
		Help: "Calls rejected by an open circuit breaker",
	}, []string{"dependency"})

	m.SchedulerDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_dispatches_total",
		Help: "Scheduled tasks dispatched to a queue",
	})

	m.SchedulerTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_tick_errors_total",
		Help: "Per-entry errors encountered during scheduler ticks",
	})

	return m
}

// RecordJob records the outcome and duration of a single job dispatch.
func (p *Provider) RecordJob(queue string, success bool, duration time.Duration) {
	if success {
		p.Metrics.JobsProcessed.WithLabelValues(queue).Inc()
	}
	p.Metrics.ProcessingDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordJobFailure records a terminally failed job.
func (p *Provider) RecordJobFailure(queue string) {
	p.Metrics.JobsFailed.WithLabelValues(queue).Inc()
}

// RecordJobRetry records a retried delivery attempt.
func (p *Provider) RecordJobRetry(queue string) {
	p.Metrics.JobsRetried.WithLabelValues(queue).Inc()
}

// SetQueueDepth sets the pending-job gauge for a queue.
func (p *Provider) SetQueueDepth(queue string, depth int) {
	p.Metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// WorkerStarted and WorkerDone track the active worker gauge.
func (p *Provider) WorkerStarted() { p.Metrics.ActiveWorkers.Inc() }

// WorkerDone decrements the active worker gauge.
func (p *Provider) WorkerDone() { p.Metrics.ActiveWorkers.Dec() }

// SetBreakerState records a breaker state transition.
func (p *Provider) SetBreakerState(dependency string, state int) {
	p.Metrics.BreakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordBreakerRejection counts a call rejected by an open breaker.
func (p *Provider) RecordBreakerRejection(dependency string) {
	p.Metrics.BreakerRejected.WithLabelValues(dependency).Inc()
}

// RecordSchedulerDispatch counts a scheduled task handed to a queue.
func (p *Provider) RecordSchedulerDispatch() {
	p.Metrics.SchedulerDispatches.Inc()
}

// RecordSchedulerTickError counts a per-entry tick failure.
func (p *Provider) RecordSchedulerTickError() {
	p.Metrics.SchedulerTickErrors.Inc()
}

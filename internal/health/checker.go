// Package health aggregates component health checks for the orchestrator.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the aggregated health of the service.
type Status string

const (
	// StatusHealthy means every check passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded means only non-critical checks failed.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means a critical check failed.
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds each individual check.
const checkTimeout = 5 * time.Second

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Result is the outcome of one component check.
type Result struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ms"`
}

// Snapshot is one full evaluation of all registered checks.
type Snapshot struct {
	Status    Status            `json:"status"`
	Checks    map[string]Result `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Checker runs registered component checks and aggregates their status.
type Checker struct {
	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a critical check; its failure makes the service unhealthy.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.add(name, true, fn)
}

// RegisterOptional adds a non-critical check; its failure only degrades.
func (c *Checker) RegisterOptional(name string, fn CheckFunc) {
	c.add(name, false, fn)
}

func (c *Checker) add(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// Check evaluates every registered check and returns the aggregate snapshot.
func (c *Checker) Check(ctx context.Context) *Snapshot {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	snap := &Snapshot{
		Status:    StatusHealthy,
		Checks:    make(map[string]Result, len(checks)),
		CheckedAt: time.Now(),
	}

	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := check.fn(checkCtx)
		latency := time.Since(start)
		cancel()

		if err != nil {
			snap.Checks[check.name] = Result{Status: "error", Error: err.Error(), Latency: latency}
			if check.critical {
				snap.Status = StatusUnhealthy
			} else if snap.Status == StatusHealthy {
				snap.Status = StatusDegraded
			}
			continue
		}
		snap.Checks[check.name] = Result{Status: "ok", Latency: latency}
	}

	return snap
}

// Healthy reports whether the last full evaluation would pass. Convenience
// for liveness probes that only need a boolean.
func (c *Checker) Healthy(ctx context.Context) bool {
	return c.Check(ctx).Status != StatusUnhealthy
}

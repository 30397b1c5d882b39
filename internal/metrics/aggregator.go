// Package metrics accumulates shared counters and bounded histograms in the
// keyed store, with per-instance derived averages.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/orchestrator/internal/logger"
	"github.com/jonesrussell/north-cloud/orchestrator/internal/store"
)

// metricsTTL keeps metric keys from accumulating forever when the service is
// retired; every write refreshes it.
const metricsTTL = 30 * 24 * time.Hour

// HistogramSummary is the snapshot view of one bounded histogram.
type HistogramSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Snapshot is a point-in-time read of all counters and histograms, plus
// derived averages maintained in-process.
type Snapshot struct {
	Counters   map[string]int64            `json:"counters"`
	Histograms map[string]HistogramSummary `json:"histograms"`
	// DerivedAverages are running averages kept per orchestrator instance;
	// raw counters are the cross-instance source of truth.
	DerivedAverages map[string]float64 `json:"derived_averages"`
}

// Aggregator accumulates metrics in the shared store. Counter mutations go
// through the store's atomic increment so concurrent writers never lose
// updates.
type Aggregator struct {
	store  store.Store
	logger logger.Logger

	mu       sync.Mutex
	sums     map[string]float64
	observed map[string]int64
}

// NewAggregator creates a metrics aggregator on the shared store.
func NewAggregator(st store.Store, log logger.Logger) *Aggregator {
	return &Aggregator{
		store:    st,
		logger:   log,
		sums:     make(map[string]float64),
		observed: make(map[string]int64),
	}
}

// Incr atomically adds delta to the named counter.
func (a *Aggregator) Incr(ctx context.Context, name string, delta int64) error {
	if _, err := a.store.IncrBy(ctx, counterKey(name), delta, metricsTTL); err != nil {
		return fmt.Errorf("increment counter %s: %w", name, err)
	}
	return nil
}

// Observe records a value into the named bounded histogram and updates the
// in-process running average.
func (a *Aggregator) Observe(ctx context.Context, name string, value float64) error {
	val := strconv.FormatFloat(value, 'f', -1, 64)
	if err := a.store.PushTrim(ctx, histogramKey(name), val, MaxObservations, metricsTTL); err != nil {
		return fmt.Errorf("observe %s: %w", name, err)
	}

	a.mu.Lock()
	a.sums[name] += value
	a.observed[name]++
	a.mu.Unlock()

	return nil
}

// Counter returns the current value of the named counter; absent counters
// read as zero.
func (a *Aggregator) Counter(ctx context.Context, name string) (int64, error) {
	raw, err := a.store.Get(ctx, counterKey(name))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", name, err)
	}
	return val, nil
}

// SnapshotAll reads every counter and histogram from the store and combines
// them with this instance's derived averages.
func (a *Aggregator) SnapshotAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Counters:        make(map[string]int64),
		Histograms:      make(map[string]HistogramSummary),
		DerivedAverages: make(map[string]float64),
	}

	counterKeys, err := a.store.ScanPrefix(ctx, keyPrefixCounter)
	if err != nil {
		return nil, fmt.Errorf("scan counters: %w", err)
	}
	for _, k := range counterKeys {
		name := strings.TrimPrefix(k, keyPrefixCounter)
		val, err := a.Counter(ctx, name)
		if err != nil {
			a.logger.Warn("skipping unreadable counter",
				logger.String("counter", name),
				logger.Error(err),
			)
			continue
		}
		snap.Counters[name] = val
	}

	histKeys, err := a.store.ScanPrefix(ctx, keyPrefixHistogram)
	if err != nil {
		return nil, fmt.Errorf("scan histograms: %w", err)
	}
	for _, k := range histKeys {
		name := strings.TrimPrefix(k, keyPrefixHistogram)
		summary, err := a.summarize(ctx, name)
		if err != nil {
			a.logger.Warn("skipping unreadable histogram",
				logger.String("histogram", name),
				logger.Error(err),
			)
			continue
		}
		snap.Histograms[name] = summary
	}

	a.mu.Lock()
	for name, sum := range a.sums {
		if n := a.observed[name]; n > 0 {
			snap.DerivedAverages[name] = sum / float64(n)
		}
	}
	a.mu.Unlock()

	return snap, nil
}

// summarize computes count/min/max/mean over the retained observations.
func (a *Aggregator) summarize(ctx context.Context, name string) (HistogramSummary, error) {
	vals, err := a.store.Range(ctx, histogramKey(name), MaxObservations)
	if err != nil {
		return HistogramSummary{}, err
	}

	var summary HistogramSummary
	var sum float64
	for _, raw := range vals {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if summary.Count == 0 || v < summary.Min {
			summary.Min = v
		}
		if summary.Count == 0 || v > summary.Max {
			summary.Max = v
		}
		sum += v
		summary.Count++
	}
	if summary.Count > 0 {
		summary.Mean = sum / float64(summary.Count)
	}
	return summary, nil
}

// Reset removes all counters and histograms from the store and clears the
// in-process derived averages.
func (a *Aggregator) Reset(ctx context.Context) error {
	for _, prefix := range []string{keyPrefixCounter, keyPrefixHistogram} {
		keys, err := a.store.ScanPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if err := a.store.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("delete metrics keys: %w", err)
		}
	}

	a.mu.Lock()
	a.sums = make(map[string]float64)
	a.observed = make(map[string]int64)
	a.mu.Unlock()

	return nil
}

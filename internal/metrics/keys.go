package metrics

const (
	// keyPrefixCounter namespaces counter keys in the shared store.
	keyPrefixCounter = "metrics:counter:"
	// keyPrefixHistogram namespaces histogram list keys.
	keyPrefixHistogram = "metrics:hist:"

	// MaxObservations bounds each histogram to the most recent observations.
	MaxObservations = 1000
)

// Well-known counter names used by the orchestration service.
const (
	CounterJobsSubmitted = "jobs:submitted"
	CounterJobsPending   = "jobs:pending"
	CounterJobsProcessed = "jobs:processed"
	CounterJobsFailed    = "jobs:failed"
	CounterJobsRetried   = "jobs:retried"
	CounterSchedFired    = "scheduler:fired"
)

// Well-known histogram names.
const (
	HistProcessingMS = "jobs:processing_ms"
)

func counterKey(name string) string {
	return keyPrefixCounter + name
}

func histogramKey(name string) string {
	return keyPrefixHistogram + name
}

package segment

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the segment-level instrumentation. One instance is shared
// by every segment of a store.
type Metrics struct {
	fsyncDuration   prometheus.Summary
	appendFailures  prometheus.Counter
	tailTruncations prometheus.Counter
	truncatedBytes  prometheus.Counter
}

// NewMetrics creates segment metrics and registers them with registerer.
// A nil registerer leaves the metrics unregistered, which is useful in
// tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment file fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.appendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "append_failures_total",
		Help: "Total number of segment appends that failed and were rolled back.",
	})

	m.tailTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tail_truncations_total",
		Help: "Total number of invalid segment tails truncated during recovery.",
	})

	m.truncatedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "truncated_bytes_total",
		Help: "Total bytes dropped by recovery tail truncation.",
	})

	if registerer != nil {
		registerer.MustRegister(m.fsyncDuration, m.appendFailures, m.tailTruncations, m.truncatedBytes)
	}

	return m
}

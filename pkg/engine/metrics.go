package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine-level instrumentation.
type Metrics struct {
	puts        prometheus.Counter
	putFailures prometheus.Counter
	putDuration prometheus.Summary

	gets        prometheus.Counter
	getMisses   prometheus.Counter
	getFailures prometheus.Counter
	getDuration prometheus.Summary

	rotations          prometheus.Counter
	segmentsTotal      prometheus.Gauge
	activeSegmentBytes prometheus.Gauge
	recoveredRecords   prometheus.Counter
}

// NewMetrics creates engine metrics and registers them with registerer.
// A nil registerer leaves the metrics unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.puts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puts_total",
		Help: "Total number of successful put operations.",
	})

	m.putFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "put_failures_total",
		Help: "Total number of put operations that failed.",
	})

	m.putDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "put_duration_seconds",
		Help:       "Duration of put operations.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.gets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gets_total",
		Help: "Total number of get operations, including misses.",
	})

	m.getMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "get_misses_total",
		Help: "Total number of get operations that found no value.",
	})

	m.getFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "get_failures_total",
		Help: "Total number of get operations that failed.",
	})

	m.getDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "get_duration_seconds",
		Help:       "Duration of get operations.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotations_total",
		Help: "Total number of segment rotations.",
	})

	m.segmentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segments",
		Help: "Current number of segments, active included.",
	})

	m.activeSegmentBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_segment_bytes",
		Help: "Bytes appended to the active segment so far.",
	})

	m.recoveredRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovered_records_total",
		Help: "Total number of records indexed by startup replay.",
	})

	if registerer != nil {
		registerer.MustRegister(
			m.puts, m.putFailures, m.putDuration,
			m.gets, m.getMisses, m.getFailures, m.getDuration,
			m.rotations, m.segmentsTotal, m.activeSegmentBytes, m.recoveredRecords,
		)
	}

	return m
}

package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"triage/internal/replay"
)

// Metrics counts what one triage run did. Each Metrics owns its registry so
// runs and tests never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	Crashes        prometheus.Counter
	CacheHits      prometheus.Counter
	CacheCorrupt   prometheus.Counter
	CacheErrors    prometheus.Counter
	Replays        prometheus.Counter
	ReplayFailures *prometheus.CounterVec
	CopyErrors     prometheus.Counter
	Buckets        prometheus.Gauge
	ReplayDuration prometheus.Histogram
}

// NewMetrics registers the triage collectors in a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "crashes_total",
			Help:      "Crash inputs considered.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "cache_hits_total",
			Help:      "Crashes whose trace was loaded from the cache.",
		}),
		CacheCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "cache_corrupt_total",
			Help:      "Cached traces that failed to decode and were recomputed.",
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "cache_errors_total",
			Help:      "Replayed traces that could not be written to the cache.",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "replays_total",
			Help:      "Crashes replayed on a backend.",
		}),
		ReplayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "replay_failures_total",
			Help:      "Crashes excluded because their replay failed.",
		}, []string{"phase"}),
		CopyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "copy_errors_total",
			Help:      "Files that could not be copied into a bucket.",
		}),
		Buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "triage",
			Name:      "buckets",
			Help:      "Unique crashes found.",
		}),
		ReplayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "triage",
			Name:      "replay_duration_seconds",
			Help:      "Wall time of one two-run replay.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	m.Registry.MustRegister(
		m.Crashes,
		m.CacheHits,
		m.CacheCorrupt,
		m.CacheErrors,
		m.Replays,
		m.ReplayFailures,
		m.CopyErrors,
		m.Buckets,
		m.ReplayDuration,
	)
	for _, phase := range replay.Phases {
		m.ReplayFailures.WithLabelValues(string(phase))
	}
	return m
}

// WriteTextfile writes the current values in the node exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

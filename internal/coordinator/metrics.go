package coordinator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report coordinator activity.
type Metrics struct {
	subtaskDuration *prometheus.HistogramVec
	subtaskRetries  *prometheus.CounterVec
	replans         prometheus.Counter
	runsActive      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when multiple coordinators exist (unit
// tests, multi-tenant runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (tests). Any
// registration error panics, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	subtaskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "coordinator",
			Name:      "subtask_duration_seconds",
			Help:      "Wall time spent executing each subtask, including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool", "status"},
	)
	subtaskRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "coordinator",
			Name:      "subtask_retries_total",
			Help:      "Number of retry attempts per tool.",
		},
		[]string{"tool"},
	)
	replans := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "coordinator",
			Name:      "replans_total",
			Help:      "Number of replanning rounds triggered across all runs.",
		},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "coordinator",
			Name:      "runs_active",
			Help:      "Number of runs currently executing.",
		},
	)

	for _, collector := range []prometheus.Collector{subtaskDuration, subtaskRetries, replans, runsActive} {
		reg.MustRegister(collector)
	}

	return &Metrics{
		subtaskDuration: subtaskDuration,
		subtaskRetries:  subtaskRetries,
		replans:         replans,
		runsActive:      runsActive,
	}
}

func (m *Metrics) observeSubtask(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.subtaskDuration.WithLabelValues(tool, status).Observe(d.Seconds())
}

func (m *Metrics) countRetry(tool string) {
	if m == nil {
		return
	}
	m.subtaskRetries.WithLabelValues(tool).Inc()
}

func (m *Metrics) countReplan() {
	if m == nil {
		return
	}
	m.replans.Inc()
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) runFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

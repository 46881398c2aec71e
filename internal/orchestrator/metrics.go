package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Orchestrator's prometheus instrumentation, grounded on
// the teacher's internal/controlplane/metrics package (counters/histograms
// registered once and threaded through constructors rather than accessed as
// package globals).
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	EventAppendSeconds prometheus.Histogram
	ApprovalsPending   prometheus.Gauge
}

// NewMetrics constructs a Metrics set registered against the default
// registry. Call NewMetricsFor instead to register against a custom registry
// (e.g. in tests, to avoid duplicate-registration panics across cases).
func NewMetrics() *Metrics {
	m := newUnregisteredMetrics()
	prometheus.MustRegister(m.RunsTotal, m.EventAppendSeconds, m.ApprovalsPending)
	return m
}

// NewMetricsFor constructs a Metrics set and registers it against reg rather
// than the global default registry.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	m := newUnregisteredMetrics()
	reg.MustRegister(m.RunsTotal, m.EventAppendSeconds, m.ApprovalsPending)
	return m
}

func newUnregisteredMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runctl_runs_total",
			Help: "Total runs by terminal state.",
		}, []string{"state"}),
		EventAppendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runctl_event_append_seconds",
			Help:    "Latency of appending one event to the event log.",
			Buckets: prometheus.DefBuckets,
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runctl_approvals_pending",
			Help: "Current number of pending approval checkpoints being awaited by the orchestrator.",
		}),
	}
}

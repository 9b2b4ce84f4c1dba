package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus registry this process exports alongside (not
// instead of) the CSV files: per-tick counters and gauges a long-running
// deployment can scrape, since the CSVs alone only make sense read back
// after the run has ended.
type Metrics struct {
	TicksTotal          prometheus.Counter
	ThreadMigrations    *prometheus.CounterVec
	MemoryPagesMigrated prometheus.Counter
	TotalPerformance    prometheus.Gauge
	TrackedThreads      prometheus.Gauge
	TrackedPages        prometheus.Gauge
	TickDuration        prometheus.Histogram
}

// NewMetrics registers every gauge/counter against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "numaopt_ticks_total",
			Help: "Number of control loop iterations completed.",
		}),
		ThreadMigrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "numaopt_thread_migrations_total",
			Help: "Thread migrations performed, by strategy.",
		}, []string{"strategy"}),
		MemoryPagesMigrated: f.NewCounter(prometheus.CounterOpts{
			Name: "numaopt_memory_pages_migrated_total",
			Help: "Pages moved by move_pages(2) across all ticks.",
		}),
		TotalPerformance: f.NewGauge(prometheus.GaugeOpts{
			Name: "numaopt_total_performance",
			Help: "Sum of 3DyRM scores across tracked threads, last tick.",
		}),
		TrackedThreads: f.NewGauge(prometheus.GaugeOpts{
			Name: "numaopt_tracked_threads",
			Help: "Threads currently present in the performance table.",
		}),
		TrackedPages: f.NewGauge(prometheus.GaugeOpts{
			Name: "numaopt_tracked_pages",
			Help: "Pages currently present in the performance table.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "numaopt_tick_duration_seconds",
			Help:    "Wall-clock duration of one control loop iteration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters/histograms the evaluator records around Step
// and Batch. Each Session/Batch call may own its own Metrics backed by a
// private registry (NewMetrics) so that spinning up multiple sessions in
// the same process — or running the test suite, which constructs many —
// never collides on Prometheus's global default registry.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal       *prometheus.CounterVec
	warmupTransitions *prometheus.CounterVec
	panicsRecovered  *prometheus.CounterVec
	batchCacheHits   prometheus.Counter
	batchDuration    prometheus.Histogram
	stepDuration     prometheus.Histogram
}

// NewMetrics builds a Metrics instance registered against its own private
// prometheus.Registry, rather than the global default one.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		stepsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taexpr_evaluator_steps_total",
				Help: "Number of kernel step() invocations, per node_id.",
			},
			[]string{"node_id"},
		),
		warmupTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taexpr_evaluator_warmup_transitions_total",
				Help: "Number of cold->warming->ready state transitions, per node_id and transition.",
			},
			[]string{"node_id", "transition"},
		),
		panicsRecovered: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "taexpr_evaluator_kernel_panics_recovered_total",
				Help: "Number of kernel Step panics recovered at the evaluator boundary, per node_id.",
			},
			[]string{"node_id"},
		),
		batchCacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "taexpr_evaluator_batch_cache_hits_total",
				Help: "Number of Batch calls served from the (ir_hash, dataset_version) result cache.",
			},
		),
		batchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taexpr_evaluator_batch_duration_seconds",
				Help:    "Wall-clock duration of a Batch call.",
				Buckets: prometheus.DefBuckets,
			},
		),
		stepDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taexpr_evaluator_step_duration_seconds",
				Help:    "Wall-clock duration of one Session.Step call.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	return m
}

// Registry exposes the private prometheus.Registry backing m, for a host
// that wants to fold it into its own /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	AddUptime(float64)

	IncOpsAdmitted()
	IncOpsRejected(reason string)
	IncOpsIncluded(n int)

	IncBundlesSent()
	IncBundlesFailed(reason string)
	ObserveBundleSize(n int)

	IncEntityCrashed(role string)
}

// BundlerMetrics contains the counters the bundler service updates as it works.
type BundlerMetrics struct {
	uptime prometheus.Counter

	numOpsAdmitted  prometheus.Counter
	numOpsRejected  *prometheus.CounterVec
	numOpsIncluded  prometheus.Counter
	numBundlesSent  prometheus.Counter
	numBundlesFail  *prometheus.CounterVec
	bundleSize      prometheus.Histogram
	numEntityCrashs *prometheus.CounterVec
}

const apNamespace = "ap"

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		uptime: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "uptime_milliseconds_total",
				Help:      "The elapse time in milliseconds since the bundler is booted",
			}),

		numOpsAdmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_admitted_total",
				Help:      "The number of UserOperations accepted into the mempool",
			}),

		numOpsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_rejected_total",
				Help:      "The number of UserOperations rejected on admission, by error kind",
			}, []string{"reason"}),

		numOpsIncluded: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "userops_included_total",
				Help:      "The number of UserOperations seen in a mined bundle",
			}),

		numBundlesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_sent_total",
				Help:      "The number of handleOps transactions accepted by the node",
			}),

		numBundlesFail: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_failed_total",
				Help:      "The number of bundle attempts that failed, by cause",
			}, []string{"reason"}),

		bundleSize: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "bundle_size",
				Help:      "The number of UserOperations per submitted bundle",
				Buckets:   prometheus.LinearBuckets(1, 2, 10),
			}),

		numEntityCrashs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "entity_crashed_total",
				Help:      "The number of handleOps reverts blamed on an entity, by role",
			}, []string{"role"}),
	}
}

func (m *BundlerMetrics) AddUptime(total float64) { m.uptime.Add(total) }

func (m *BundlerMetrics) IncOpsAdmitted() { m.numOpsAdmitted.Inc() }

func (m *BundlerMetrics) IncOpsRejected(reason string) {
	m.numOpsRejected.WithLabelValues(reason).Inc()
}

func (m *BundlerMetrics) IncOpsIncluded(n int) { m.numOpsIncluded.Add(float64(n)) }

func (m *BundlerMetrics) IncBundlesSent() { m.numBundlesSent.Inc() }

func (m *BundlerMetrics) IncBundlesFailed(reason string) {
	m.numBundlesFail.WithLabelValues(reason).Inc()
}

func (m *BundlerMetrics) ObserveBundleSize(n int) { m.bundleSize.Observe(float64(n)) }

func (m *BundlerMetrics) IncEntityCrashed(role string) {
	m.numEntityCrashs.WithLabelValues(role).Inc()
}

// NoopMetrics discards everything. Used by tests and when metrics are off.
type NoopMetrics struct{}

func (NoopMetrics) AddUptime(float64)       {}
func (NoopMetrics) IncOpsAdmitted()         {}
func (NoopMetrics) IncOpsRejected(string)   {}
func (NoopMetrics) IncOpsIncluded(int)      {}
func (NoopMetrics) IncBundlesSent()         {}
func (NoopMetrics) IncBundlesFailed(string) {}
func (NoopMetrics) ObserveBundleSize(int)   {}
func (NoopMetrics) IncEntityCrashed(string) {}

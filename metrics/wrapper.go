package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
)

// PoolSource is satisfied by *mempool.Mempool.
type PoolSource interface {
	Size() int
}

// ReputationSource is satisfied by *reputation.Tracker.
type ReputationSource interface {
	Dump() []reputation.Entry
}

// StateCollector reports mempool size and reputation status counts at scrape time.
type StateCollector struct {
	pool       PoolSource
	reputation ReputationSource

	poolSize    *prometheus.GaugeVec
	entityCount *prometheus.GaugeVec
	entryPoint  string
}

func NewStateCollector(entryPoint string, pool PoolSource, rep ReputationSource) *StateCollector {
	return &StateCollector{
		pool:       pool,
		reputation: rep,
		entryPoint: entryPoint,
		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: "mempool",
				Name:      "size",
				Help:      "UserOperations currently held in the mempool",
			},
			[]string{"entrypoint"},
		),
		entityCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Subsystem: "reputation",
				Name:      "entities",
				Help:      "Tracked addresses by reputation status",
			},
			[]string{"status"},
		),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	c.poolSize.Describe(ch)
	c.entityCount.Describe(ch)
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	c.poolSize.WithLabelValues(c.entryPoint).Set(float64(c.pool.Size()))

	counts := map[string]int{
		reputation.OK.String():        0,
		reputation.Throttled.String(): 0,
		reputation.Banned.String():    0,
	}
	for _, e := range c.reputation.Dump() {
		counts[e.Status]++
	}
	for status, n := range counts {
		c.entityCount.WithLabelValues(status).Set(float64(n))
	}

	c.poolSize.Collect(ch)
	c.entityCount.Collect(ch)
}

package metrics

import (
	"github.com/BaSui01/turnflow/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports pool snapshots at scrape time.
type PoolCollector struct {
	pools []pool.Snapshotter

	dedicated   *prometheus.Desc
	warm        *prometheus.Desc
	warmTarget  *prometheus.Desc
	leased      *prometheus.Desc
	sessions    *prometheus.Desc
	allocations *prometheus.Desc
	failures    *prometheus.Desc
	evictions   *prometheus.Desc
	rejected    *prometheus.Desc
}

// NewPoolCollector creates a collector over the given pools.
func NewPoolCollector(namespace string, pools ...pool.Snapshotter) *PoolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, append([]string{"pool"}, labels...), nil)
	}
	return &PoolCollector{
		pools:       pools,
		dedicated:   desc("dedicated_resources", "Resources pinned to a session"),
		warm:        desc("warm_resources", "Pre-built resources ready for allocation"),
		warmTarget:  desc("warm_target", "Configured warm pool size"),
		leased:      desc("leased_resources", "Resources currently handed out"),
		sessions:    desc("active_sessions", "Sessions holding a dedicated resource"),
		allocations: desc("allocations_total", "Allocations by tier", "tier"),
		failures:    desc("failures_total", "Construction and warmup failures", "kind"),
		evictions:   desc("evictions_total", "Dedicated resources evicted for age"),
		rejected:    desc("rejected_releases_total", "Releases of resources the pool did not lease"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.dedicated, c.warm, c.warmTarget, c.leased, c.sessions,
		c.allocations, c.failures, c.evictions, c.rejected,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for _, p := range c.pools {
		s := p.Snapshot()
		gauge(c.dedicated, s.DedicatedActual, s.Name)
		gauge(c.warm, s.WarmActual, s.Name)
		gauge(c.warmTarget, s.WarmTarget, s.Name)
		gauge(c.leased, s.Leased, s.Name)
		gauge(c.sessions, s.ActiveSessions, s.Name)
		counter(c.allocations, s.DedicatedAllocations, s.Name, "dedicated")
		counter(c.allocations, s.WarmAllocations, s.Name, "warm")
		counter(c.allocations, s.ColdAllocations, s.Name, "cold")
		counter(c.failures, s.ConstructionFailures, s.Name, "construction")
		counter(c.failures, s.WarmupFailures, s.Name, "warmup")
		counter(c.evictions, s.Evictions, s.Name)
		counter(c.rejected, s.RejectedReleases, s.Name)
	}
}

var _ prometheus.Collector = (*PoolCollector)(nil)

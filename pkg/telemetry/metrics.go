// Package telemetry exposes Prometheus instrumentation for the storage
// engine. The buffer pool reports cache behavior through a Metrics value;
// binaries expose the registry over /metrics with promhttp.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the storage engine's instruments. One Metrics value is shared
// by everything registered against the same registry.
type Metrics struct {
	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions prometheus.Counter
	PageFlushes   prometheus.Counter
	PagesCreated  prometheus.Counter
	ResidentPages prometheus.Gauge
}

// New registers the engine's instruments with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PoolHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_buffer_pool_hits_total",
			Help: "Fetches served from a resident frame.",
		}),
		PoolMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_buffer_pool_misses_total",
			Help: "Fetches that had to read the page from disk.",
		}),
		PoolEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_buffer_pool_evictions_total",
			Help: "Frames evicted to make room for another page.",
		}),
		PageFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_page_flushes_total",
			Help: "Dirty pages written back to disk.",
		}),
		PagesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "driftdb_pages_created_total",
			Help: "Pages created through the buffer pool.",
		}),
		ResidentPages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "driftdb_buffer_pool_resident_pages",
			Help: "Pages currently held in buffer pool frames.",
		}),
	}
}

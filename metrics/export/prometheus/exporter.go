// Package prometheus exposes the engine's counters as a
// prometheus.Collector. Register it on any registry; scrapes read the
// lock-free snapshot, the engine is never blocked.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oseh/siwo"
)

// Snapshotter is the slice of the engine the collector needs.
type Snapshotter interface {
	MetricsSnapshot() siwo.MetricsSnapshot
}

// Collector adapts a SIWO metrics snapshot to the Prometheus scrape model.
type Collector struct {
	source Snapshotter
	descs  map[siwo.MetricID]*prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector over the given engine.
func NewCollector(source Snapshotter) *Collector {
	descs := make(map[siwo.MetricID]*prometheus.Desc, len(siwo.MetricIDs()))
	for _, id := range siwo.MetricIDs() {
		descs[id] = prometheus.NewDesc(
			"siwo_"+id.Name()+"_total",
			"SIWO counter "+id.Name(),
			nil, nil,
		)
	}
	return &Collector{source: source, descs: descs}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source.MetricsSnapshot()
	for _, id := range siwo.MetricIDs() {
		ch <- prometheus.MustNewConstMetric(
			c.descs[id],
			prometheus.CounterValue,
			float64(snapshot.Counters[id]),
		)
	}
}

package chm

import "github.com/prometheus/client_golang/prometheus"

// MetricsSource is anything that can report Map metrics. *Map[K, V]
// satisfies it for every K and V.
type MetricsSource interface {
	Metrics() Metrics
}

// Collector exports the metrics of one map to Prometheus.
//
//	prometheus.MustRegister(chm.NewCollector("app", "sessions", sessions))
type Collector struct {
	source MetricsSource

	size           *prometheus.Desc
	capacity       *prometheus.Desc
	resizing       *prometheus.Desc
	resizes        *prometheus.Desc
	abortedResizes *prometheus.Desc
	treeifies      *prometheus.Desc
	untreeifies    *prometheus.Desc
	counterCells   *prometheus.Desc
}

// NewCollector creates a Collector for source. name is attached to every
// metric as the "map" label so several maps can share a namespace.
func NewCollector(namespace, name string, source MetricsSource) *Collector {
	labels := prometheus.Labels{"map": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "chm", metric), help, nil, labels)
	}
	return &Collector{
		source:         source,
		size:           desc("entries", "Estimated number of entries."),
		capacity:       desc("capacity", "Number of bins in the table."),
		resizing:       desc("resizing", "1 while a resize is in progress."),
		resizes:        desc("resizes_total", "Completed table resizes."),
		abortedResizes: desc("aborted_resizes_total", "Resizes aborted because the new table could not be allocated."),
		treeifies:      desc("treeifies_total", "Bins converted into red-black trees."),
		untreeifies:    desc("untreeifies_total", "Tree bins converted back into chains by removals or resize splits."),
		counterCells:   desc("counter_cells", "Stripes of the size counter."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.capacity
	ch <- c.resizing
	ch <- c.resizes
	ch <- c.abortedResizes
	ch <- c.treeifies
	ch <- c.untreeifies
	ch <- c.counterCells
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	mt := c.source.Metrics()
	resizing := 0.0
	if mt.Resizing {
		resizing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(mt.Size))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(mt.Capacity))
	ch <- prometheus.MustNewConstMetric(c.resizing, prometheus.GaugeValue, resizing)
	ch <- prometheus.MustNewConstMetric(c.resizes, prometheus.CounterValue, float64(mt.Resizes))
	ch <- prometheus.MustNewConstMetric(c.abortedResizes, prometheus.CounterValue, float64(mt.AbortedResizes))
	ch <- prometheus.MustNewConstMetric(c.treeifies, prometheus.CounterValue, float64(mt.Treeifies))
	ch <- prometheus.MustNewConstMetric(c.untreeifies, prometheus.CounterValue, float64(mt.Untreeifies))
	ch <- prometheus.MustNewConstMetric(c.counterCells, prometheus.GaugeValue, float64(mt.CounterCells))
}

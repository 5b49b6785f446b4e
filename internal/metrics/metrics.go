// Package metrics exposes sink statistics to prometheus.
package metrics

import (
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pathLabel = "path"
	algLabel  = "algorithm"
)

// Collector reports a sink's running totals each time it is scraped.
type Collector struct {
	path  string
	stats func() sink.Stats

	extents          *prometheus.Desc
	records          *prometheus.Desc
	compressed       *prometheus.Desc
	unpackedFixed    *prometheus.Desc
	unpackedVariable *prometheus.Desc
	packed           *prometheus.Desc
	packTime         *prometheus.Desc
}

// NewCollector returns a collector reading totals from stats. path labels
// every series.
func NewCollector(path string, stats func() sink.Stats) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("extentdb_sink_"+name, help,
			append([]string{pathLabel}, labels...), prometheus.Labels{})
	}
	return &Collector{
		path:             path,
		stats:            stats,
		extents:          desc("extents_total", "Number of extents written."),
		records:          desc("records_total", "Number of records written."),
		compressed:       desc("compressed_parts_total", "Extent parts stored by each algorithm.", algLabel),
		unpackedFixed:    desc("unpacked_fixed_bytes_total", "Fixed record bytes before compression."),
		unpackedVariable: desc("unpacked_variable_bytes_total", "Variable pool bytes before compression."),
		packed:           desc("packed_bytes_total", "Bytes written to disk for extents, framing included."),
		packTime:         desc("pack_seconds_total", "Time spent compressing extents."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.extents
	ch <- c.records
	ch <- c.compressed
	ch <- c.unpackedFixed
	ch <- c.unpackedVariable
	ch <- c.packed
	ch <- c.packTime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, append([]string{c.path}, labels...)...)
	}
	counter(c.extents, float64(st.Extents))
	counter(c.records, float64(st.NRecords))
	for a := compress.Algorithm(0); int(a) < compress.NumAlgorithms; a++ {
		counter(c.compressed, float64(st.Compressed[a]), a.String())
	}
	counter(c.unpackedFixed, float64(st.UnpackedFixed))
	counter(c.unpackedVariable, float64(st.UnpackedVariable))
	counter(c.packed, float64(st.PackedSize))
	counter(c.packTime, st.PackTime.Seconds())
}

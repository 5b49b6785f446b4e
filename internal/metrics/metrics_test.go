package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	var (
		assert = assert.New(t)
		st     = sink.Stats{
			Extents:          3,
			NRecords:         30,
			UnpackedFixed:    300,
			UnpackedVariable: 200,
			UnpackedSize:     500,
			PackedSize:       120,
			PackTime:         1500 * time.Millisecond,
		}
	)
	st.Compressed[compress.Zstd] = 4
	st.Compressed[compress.None] = 2

	c := NewCollector("/tmp/out.ds", func() sink.Stats { return st })

	// 6 plain counters plus one series per algorithm.
	assert.Equal(6+compress.NumAlgorithms, testutil.CollectAndCount(c))

	expected := `
# HELP extentdb_sink_extents_total Number of extents written.
# TYPE extentdb_sink_extents_total counter
extentdb_sink_extents_total{path="/tmp/out.ds"} 3
# HELP extentdb_sink_pack_seconds_total Time spent compressing extents.
# TYPE extentdb_sink_pack_seconds_total counter
extentdb_sink_pack_seconds_total{path="/tmp/out.ds"} 1.5
`
	assert.NoError(testutil.CollectAndCompare(c, strings.NewReader(expected),
		"extentdb_sink_extents_total", "extentdb_sink_pack_seconds_total"))

	zstd := `
# HELP extentdb_sink_compressed_parts_total Extent parts stored by each algorithm.
# TYPE extentdb_sink_compressed_parts_total counter
extentdb_sink_compressed_parts_total{algorithm="gzip",path="/tmp/out.ds"} 0
extentdb_sink_compressed_parts_total{algorithm="none",path="/tmp/out.ds"} 2
extentdb_sink_compressed_parts_total{algorithm="s2",path="/tmp/out.ds"} 0
extentdb_sink_compressed_parts_total{algorithm="snappy",path="/tmp/out.ds"} 0
extentdb_sink_compressed_parts_total{algorithm="zstd",path="/tmp/out.ds"} 4
`
	assert.NoError(testutil.CollectAndCompare(c, strings.NewReader(zstd), "extentdb_sink_compressed_parts_total"))
}

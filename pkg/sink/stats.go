package sink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mr-karan/extentdb/pkg/compress"
)

// statsMu guards every Stats value that a sink updates, the sink's own
// totals and caller supplied targets alike. It is always taken before a
// sink's queue lock.
var statsMu sync.Mutex

// Stats accumulates what has been written for a set of extents.
type Stats struct {
	Extents uint32
	// Compressed counts fixed and variable parts by the algorithm that
	// stored them. Empty parts are not counted.
	Compressed [compress.NumAlgorithms]uint32

	UnpackedSize     uint64
	UnpackedFixed    uint64
	UnpackedVariable uint64
	PackedSize       uint64 // Bytes on disk, unit framing included.
	NRecords         uint64

	PackTime time.Duration
}

// Add folds o into s.
func (s *Stats) Add(o Stats) {
	s.Extents += o.Extents
	for i := range s.Compressed {
		s.Compressed[i] += o.Compressed[i]
	}
	s.UnpackedSize += o.UnpackedSize
	s.UnpackedFixed += o.UnpackedFixed
	s.UnpackedVariable += o.UnpackedVariable
	s.PackedSize += o.PackedSize
	s.NRecords += o.NRecords
	s.PackTime += o.PackTime
}

// Sub removes o from s.
func (s *Stats) Sub(o Stats) {
	s.Extents -= o.Extents
	for i := range s.Compressed {
		s.Compressed[i] -= o.Compressed[i]
	}
	s.UnpackedSize -= o.UnpackedSize
	s.UnpackedFixed -= o.UnpackedFixed
	s.UnpackedVariable -= o.UnpackedVariable
	s.PackedSize -= o.PackedSize
	s.NRecords -= o.NRecords
	s.PackTime -= o.PackTime
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	*s = Stats{}
}

// Snapshot returns a copy of a stats target that a sink may still be
// updating.
func (s *Stats) Snapshot() Stats {
	statsMu.Lock()
	defer statsMu.Unlock()

	return *s
}

// Ratio is the packed size as a fraction of the unpacked size.
func (s Stats) Ratio() float64 {
	if s.UnpackedSize == 0 {
		return 0
	}
	return float64(s.PackedSize) / float64(s.UnpackedSize)
}

// WriteText prints a human readable summary of s. extentType names what
// the stats are for and may be empty.
func (s Stats) WriteText(w io.Writer, extentType string) error {
	name := extentType
	if name == "" {
		name = "all extents"
	}

	var algs string
	for a := compress.Algorithm(0); int(a) < compress.NumAlgorithms; a++ {
		if s.Compressed[a] == 0 {
			continue
		}
		algs += fmt.Sprintf(" %s=%d", a, s.Compressed[a])
	}

	_, err := fmt.Fprintf(w,
		"%s: %d extents, %s records\n"+
			"  unpacked %s (fixed %s, variable %s)\n"+
			"  packed %s, ratio %.3f, pack time %s\n"+
			"  compressed parts:%s\n",
		name, s.Extents, humanize.Comma(int64(s.NRecords)),
		humanize.IBytes(s.UnpackedSize), humanize.IBytes(s.UnpackedFixed), humanize.IBytes(s.UnpackedVariable),
		humanize.IBytes(s.PackedSize), s.Ratio(), s.PackTime.Round(time.Microsecond),
		algs,
	)
	return err
}

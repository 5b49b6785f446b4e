package sink

import (
	"github.com/mr-karan/extentdb/pkg/extent"
)

// Output batches records of one type into extents of roughly targetSize
// bytes and submits each one to a sink as it fills up.
type Output struct {
	sink       *Sink
	cur        *extent.Extent
	targetSize int
	stats      Stats

	closed bool
}

// NewOutput returns an output writing extents of type t to s. A target
// size of zero or less uses 64KB.
func NewOutput(s *Sink, t *extent.Type, targetSize int) *Output {
	if targetSize <= 0 {
		targetSize = defaultTargetExtentSize
	}
	return &Output{
		sink:       s,
		cur:        extent.New(t),
		targetSize: targetSize,
	}
}

// Extent returns the extent records are being added to. Field setters
// should be given this extent and the index returned by NewRecord.
func (o *Output) Extent() *extent.Extent {
	return o.cur
}

// NewRecord submits the current extent if it has reached the target size
// and appends a zeroed record.
func (o *Output) NewRecord() (int, error) {
	if o.cur.Size() >= o.targetSize {
		if err := o.Flush(); err != nil {
			return -1, err
		}
	}
	return o.cur.Append(), nil
}

// Copy appends record srec of src through c, submitting the current
// extent first if it has reached the target size.
func (o *Output) Copy(c *extent.Copier, src *extent.Extent, srec int) error {
	if o.cur.Size() >= o.targetSize {
		if err := o.Flush(); err != nil {
			return err
		}
	}
	c.Copy(o.cur, src, srec)
	return nil
}

// Flush submits the current extent if it holds any records.
func (o *Output) Flush() error {
	if o.cur.NRecords() == 0 {
		return nil
	}
	return o.sink.Submit(o.cur, &o.stats)
}

// Stats returns what has been written through this output so far.
func (o *Output) Stats() Stats {
	return o.stats.Snapshot()
}

// Close submits the remaining records, waits for the sink to write them
// and stops the sink from updating this output's stats. The sink itself
// stays open.
func (o *Output) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	err := o.Flush()
	if err == nil {
		err = o.sink.FlushPending()
	}
	o.sink.RemoveStatsUpdate(&o.stats)
	return err
}

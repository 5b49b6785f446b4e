package sink

import (
	"time"

	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/extent"
)

// workItem is one extent on its way to the file.
type workItem struct {
	e        *extent.Extent
	target   *Stats
	internal bool // Registry and index units; not counted or reported.
	size     int  // Unpacked bytes charged against bytesInProgress.

	inProgress bool
	ready      bool

	frame           format.Frame
	fixed, variable []byte
	offset          int64
	stats           Stats
}

// pack compresses the extent and fills in everything of the frame except
// the chained checksum, which depends on the units written before it.
func (s *Sink) pack(it *workItem) {
	if s.opts.compressDelay != nil && !it.internal {
		s.opts.compressDelay(it.e)
	}

	var (
		start = time.Now()
		e     = it.e
	)
	fixedAlg, fixed := s.policy.CompressBest(e.Fixed)
	varAlg, variable := s.policy.CompressBest(e.Variable)

	it.fixed, it.variable = fixed, variable
	it.frame = format.Frame{
		FixedPacked:      uint32(len(fixed)),
		VariablePacked:   uint32(len(variable)),
		NRecords:         uint32(e.NRecords()),
		FixedUnpacked:    uint32(len(e.Fixed)),
		VariableUnpacked: uint32(len(e.Variable)),
		ContentChecksum:  format.ContentChecksum(e.Fixed, e.Variable),
		FixedAlg:         fixedAlg,
		VariableAlg:      varAlg,
		TypeName:         e.Type.Name(),
	}

	st := &it.stats
	st.Extents = 1
	if len(e.Fixed) > 0 {
		st.Compressed[fixedAlg]++
	}
	if len(e.Variable) > 0 {
		st.Compressed[varAlg]++
	}
	st.UnpackedFixed = uint64(len(e.Fixed))
	st.UnpackedVariable = uint64(len(e.Variable))
	st.UnpackedSize = st.UnpackedFixed + st.UnpackedVariable
	st.PackedSize = uint64(it.frame.Size())
	st.NRecords = uint64(e.NRecords())
	st.PackTime = time.Since(start)
}

// nextUnclaimed returns the oldest item no compressor has started on.
// The caller holds mu.
func (s *Sink) nextUnclaimed() *workItem {
	for _, it := range s.pending {
		if !it.inProgress && !it.ready {
			return it
		}
	}
	return nil
}

// compressor claims items from the front of the queue and packs them
// outside the lock. Items may finish in any order.
func (s *Sink) compressor() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		it := s.nextUnclaimed()
		if it == nil || s.err != nil {
			if s.shutdown {
				return nil
			}
			s.workCond.Wait()
			continue
		}

		it.inProgress = true
		s.mu.Unlock()
		s.pack(it)
		s.mu.Lock()

		it.inProgress = false
		it.ready = true
		s.writeCond.Signal()
	}
}

// writer writes the head of the queue once it is packed. It never skips
// ahead of an unfinished head, so the file layout matches submission
// order.
func (s *Sink) writer() error {
	for {
		s.mu.Lock()
		for s.err == nil && !s.headReady() && !(s.shutdown && len(s.pending) == 0) {
			s.writeCond.Wait()
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		it := s.pending[0]
		s.mu.Unlock()

		err := s.write(it)
		s.commit(it, true, err)
	}
}

func (s *Sink) headReady() bool {
	return len(s.pending) > 0 && s.pending[0].ready
}

// write frames and writes a packed item. Only one goroutine writes at a
// time, so the chain and index need no lock.
func (s *Sink) write(it *workItem) error {
	if s.opts.beforeWrite != nil {
		s.opts.beforeWrite()
	}

	it.frame.ChainedChecksum = format.Chain(s.chain, it.frame.ContentChecksum)
	s.buf = format.AppendUnit(s.buf[:0], order, &it.frame, it.fixed, it.variable)

	off, err := s.df.Write(s.buf)
	if err != nil {
		return err
	}
	it.offset = off
	s.chain = it.frame.ChainedChecksum
	if it.e.Type != extent.IndexType {
		s.index = append(s.index, indexEntry{typeName: it.frame.TypeName, offset: off})
	}

	s.lo.Debug("wrote unit", "offset", off, "type", it.frame.TypeName,
		"records", it.frame.NRecords, "size", len(s.buf),
		"fixed", it.frame.FixedAlg.String(), "variable", it.frame.VariableAlg.String())

	if !it.internal && s.opts.callback != nil {
		s.opts.callback(off, it.e)
	}
	return nil
}

// commit folds the stats of a written item and, when pop is set, removes
// it from the head of the queue.
func (s *Sink) commit(it *workItem, pop bool, err error) {
	statsMu.Lock()
	defer statsMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.fail(ioFailure("write", err))
		return
	}

	if !it.internal {
		s.stats.Add(it.stats)
		if it.target != nil {
			if _, gone := s.removed[it.target]; !gone {
				it.target.Add(it.stats)
			}
		}
	}

	if pop {
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.bytesInProgress -= it.size
		s.queueCond.Broadcast()
	}
	it.e, it.fixed, it.variable = nil, nil, nil
}

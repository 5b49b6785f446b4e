// Package sink writes extents to a single append-only file. Extents are
// compressed in parallel and written strictly in submission order.
package sink

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mr-karan/extentdb/internal/datafile"
	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/zerodha/logf"
	"golang.org/x/sync/errgroup"
)

var order = binary.LittleEndian

// maxPartSize bounds the fixed area and the variable pool of an extent;
// unit frames store their sizes in 32 bits.
var maxPartSize int64 = math.MaxUint32

type indexEntry struct {
	typeName string
	offset   int64
}

type Sink struct {
	lo     logf.Logger
	opts   *Options
	policy compress.Policy
	df     *datafile.DataFile

	workers int
	g       *errgroup.Group

	// writeMu serializes compression and writing when there are no
	// compressor goroutines.
	writeMu sync.Mutex

	// mu guards the queue and everything below it.
	mu        sync.Mutex
	queueCond *sync.Cond // Admission and flush waiters.
	workCond  *sync.Cond // Compressors waiting for unclaimed work.
	writeCond *sync.Cond // The writer waiting for the head item.

	pending         []*workItem
	bytesInProgress int
	maxBytes        int
	shutdown        bool
	closed          bool
	err             error

	lib     *extent.Library
	removed map[*Stats]struct{}

	// Owned by whoever writes: the writer goroutine, the submitter
	// holding writeMu, or Close once the goroutines have exited.
	chain uint32
	index []indexEntry
	buf   []byte

	// Guarded by statsMu.
	stats Stats
}

// New creates the file at path, truncating any previous contents, writes
// the file header and starts the compressor and writer goroutines.
func New(path string, cfgs ...Config) (*Sink, error) {
	opts := DefaultOptions()
	for _, cfg := range cfgs {
		if err := cfg(opts); err != nil {
			return nil, err
		}
	}

	df, err := datafile.Create(path)
	if err != nil {
		return nil, ioFailure("create", err)
	}

	s := &Sink{
		lo:       initLogger(opts),
		opts:     opts,
		policy:   compress.Policy{Mask: opts.mask, Level: opts.level},
		df:       df,
		workers:  opts.workers(),
		maxBytes: opts.maxBytesInProgress,
		removed:  map[*Stats]struct{}{},
	}
	s.queueCond = sync.NewCond(&s.mu)
	s.workCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)

	off, err := df.Write(format.AppendHeader(nil, order))
	if err != nil {
		df.Close()
		return nil, ioFailure("write header", err)
	}
	s.index = append(s.index, indexEntry{typeName: extent.HeaderTypeName, offset: off})

	if s.workers > 0 {
		s.g = &errgroup.Group{}
		for i := 0; i < s.workers; i++ {
			s.g.Go(s.compressor)
		}
		s.g.Go(s.writer)
	}

	s.lo.Debug("opened sink", "path", path, "compressors", s.workers,
		"compression", opts.mask.String(), "level", opts.level)
	return s, nil
}

// Path returns the path of the file being written.
func (s *Sink) Path() string {
	return s.df.Path()
}

// RegisterTypes writes the type registry of lib as the first unit of the
// file. It must be called once, before any Submit. Types added to lib
// afterwards are not known to the sink.
func (s *Sink) RegisterTypes(lib *extent.Library) error {
	reg := extent.NewLibrary()
	e := extent.New(extent.RegistryType)
	xmltype, _ := extent.RegistryType.FieldByName("xmltype")
	for _, t := range lib.Types() {
		if extent.IsBuiltin(t.Name()) {
			continue
		}
		if _, err := reg.Add(t); err != nil {
			return err
		}
		xmltype.SetString(e, e.Append(), t.Schema())
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return protocol(ErrClosed)
	case s.lib != nil:
		s.mu.Unlock()
		return protocol(ErrTypesRegistered)
	}
	s.lib = reg
	s.mu.Unlock()

	return s.enqueue(&workItem{e: e, internal: true})
}

// Submit hands e to the sink. Its records are moved into the sink and e is
// left empty with the same type, ready to be refilled. Submit blocks while
// too much work is in flight and otherwise returns once the extent is
// queued. target, if not nil, receives the stats of e once it is written.
func (s *Sink) Submit(e *extent.Extent, target *Stats) error {
	if e == nil || e.Type == nil {
		return protocol(fmt.Errorf("%w: extent has no type", ErrUnknownType))
	}
	if int64(e.FixedSize()) > maxPartSize || int64(e.VariableSize()) > maxPartSize {
		return protocol(fmt.Errorf("%w: fixed %d, variable %d bytes, limit %d",
			ErrTooLarge, e.FixedSize(), e.VariableSize(), maxPartSize))
	}

	s.mu.Lock()
	err := s.checkSubmit(e.Type, target)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	it := &workItem{e: extent.New(e.Type), target: target}
	it.e.Swap(e)
	return s.enqueue(it)
}

func (s *Sink) checkSubmit(t *extent.Type, target *Stats) error {
	switch {
	case s.err != nil:
		return s.err
	case s.closed:
		return protocol(ErrClosed)
	case s.lib == nil:
		return protocol(ErrNoTypes)
	}
	if extent.IsBuiltin(t.Name()) {
		return protocol(fmt.Errorf("%w: %q is reserved", ErrUnknownType, t.Name()))
	}
	if known, ok := s.lib.Lookup(t.Name()); !ok || !known.Equal(t) {
		return protocol(fmt.Errorf("%w: %q", ErrUnknownType, t.Name()))
	}
	if target != nil {
		if _, ok := s.removed[target]; ok {
			return protocol(ErrStatsRemoved)
		}
	}
	return nil
}

// enqueue queues it for the compressors, or packs and writes it in-line
// when there are none.
func (s *Sink) enqueue(it *workItem) error {
	it.size = it.e.Size()

	if s.workers == 0 {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		s.mu.Lock()
		err := s.err
		if err == nil && s.closed {
			err = protocol(ErrClosed)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}

		s.pack(it)
		err = s.write(it)
		s.commit(it, false, err)
		return s.failure()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.canQueueWork() && s.err == nil && !s.closed {
		s.lo.Debug("admission blocked", "bytes_in_progress", s.bytesInProgress, "pending", len(s.pending))
		s.queueCond.Wait()
	}
	switch {
	case s.err != nil:
		return s.err
	case s.closed:
		return protocol(ErrClosed)
	}

	s.pending = append(s.pending, it)
	s.bytesInProgress += it.size
	s.workCond.Signal()
	return nil
}

// canQueueWork reports whether there is slack for another item. The item
// being admitted is not counted, so a single extent larger than the
// limit still gets through once the queue has drained below it.
func (s *Sink) canQueueWork() bool {
	return s.bytesInProgress < s.maxBytes && len(s.pending) < 2*s.workers
}

// SetMaxBytesInProgress changes the admission limit of an open sink.
func (s *Sink) SetMaxBytesInProgress(n int) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxBytes = n
	s.queueCond.Broadcast()
}

// FlushPending blocks until every extent submitted so far has been
// written. Concurrent submitters can keep it from returning.
func (s *Sink) FlushPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 && s.err == nil {
		s.queueCond.Wait()
	}
	return s.err
}

// failure returns the recorded background error, if any.
func (s *Sink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// fail records the first error; the caller holds mu.
func (s *Sink) fail(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.lo.Error("sink failed", "path", s.df.Path(), "error", err)
	s.queueCond.Broadcast()
	s.workCond.Broadcast()
	s.writeCond.Broadcast()
}

// Stats returns a snapshot of the totals for every user extent written.
func (s *Sink) Stats() Stats {
	statsMu.Lock()
	defer statsMu.Unlock()

	return s.stats
}

// RemoveStatsUpdate stops the sink from updating target. Items already
// queued with it are still written but no longer counted into it, and
// later submissions naming it are rejected.
func (s *Sink) RemoveStatsUpdate(target *Stats) {
	if target == nil {
		return
	}

	statsMu.Lock()
	defer statsMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removed[target] = struct{}{}
	for _, it := range s.pending {
		if it.target == target {
			it.target = nil
		}
	}
}

// Close writes every pending extent, the extent index and the file tail,
// optionally syncs the file and closes it. Calling Close again is a no-op.
func (s *Sink) Close(fsync bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	registered := s.lib != nil
	s.mu.Unlock()

	// Wait out an in-line Submit that got in before closed was set.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var merr *multierror.Error

	err := s.FlushPending()
	if werr := s.stop(); werr != nil {
		err = werr
	}
	switch {
	case err != nil:
		merr = multierror.Append(merr, err)
	case !registered:
		merr = multierror.Append(merr, protocol(ErrNoTypes))
	default:
		if err := s.finish(fsync); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	if err := s.df.Close(); err != nil {
		merr = multierror.Append(merr, ioFailure("close", err))
	}

	s.lo.Debug("closed sink", "path", s.df.Path(), "error", merr.ErrorOrNil())
	return merr.ErrorOrNil()
}

// stop wakes and waits for the background goroutines.
func (s *Sink) stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.queueCond.Broadcast()
	s.workCond.Broadcast()
	s.writeCond.Broadcast()
	s.mu.Unlock()

	if s.g == nil {
		return nil
	}
	return s.g.Wait()
}

// finish writes the index unit and the tail. Only called by Close after
// the background goroutines are gone.
func (s *Sink) finish(fsync bool) error {
	var (
		e           = extent.New(extent.IndexType)
		offset, _   = extent.IndexType.FieldByName("offset")
		typeName, _ = extent.IndexType.FieldByName("extenttype")
	)
	for _, ent := range s.index {
		rec := e.Append()
		offset.SetInt64(e, rec, ent.offset)
		typeName.SetString(e, rec, ent.typeName)
	}

	it := &workItem{e: e, internal: true}
	s.pack(it)
	if err := s.write(it); err != nil {
		return ioFailure("write index", err)
	}

	tail := format.Tail{
		IndexSize:       uint32(it.frame.Size()),
		ChainedChecksum: s.chain,
		IndexOffset:     uint64(it.offset),
	}
	if _, err := s.df.Write(format.AppendTail(nil, order, tail)); err != nil {
		return ioFailure("write tail", err)
	}

	if fsync {
		if err := s.df.Sync(); err != nil {
			return ioFailure("sync", err)
		}
	}
	return nil
}

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/mr-karan/extentdb/pkg/source"
	"github.com/zerodha/logf"
)

const infoTypeName = "Info::DSRepack"

var infoType = extent.MustParseType(`<ExtentType name="` + infoTypeName + `" namespace="extentdb" version="1.0">
  <field type="variable32" name="compress_mode" />
  <field type="int32" name="compress_level" />
  <field type="int32" name="extent_size" />
  <field type="int64" name="part_size" />
</ExtentType>`)

type repackOpts struct {
	mask        compress.Mask
	level       int
	compressors int
	extentSize  int
	partSize    uint64 // 0 writes a single file.
	noInfo      bool
}

// repacker copies the user extents of several files into one output, or
// a numbered series of outputs when a part size is set.
type repacker struct {
	lo   logf.Logger
	opts repackOpts
	lib  *extent.Library
	out  string

	part    int
	sink    *sink.Sink
	outputs map[string]*sink.Output
	copiers map[*extent.Type]*extent.Copier

	// Totals of closed parts, by type name.
	stats map[string]sink.Stats
	files []string
}

// mergeLibraries checks that every input agrees on the schema of each
// type name and returns the union of their types.
func mergeLibraries(srcs []*source.Source, withInfo bool) (*extent.Library, error) {
	lib := extent.NewLibrary()
	for _, src := range srcs {
		for _, t := range src.Library().Types() {
			if withInfo && t.Name() == infoTypeName {
				continue
			}
			if _, err := lib.Add(t); err != nil {
				return nil, fmt.Errorf("%s: %w", src.Path(), err)
			}
		}
	}
	if withInfo {
		if _, err := lib.Add(infoType); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func newRepacker(lo logf.Logger, opts repackOpts, lib *extent.Library, out string) *repacker {
	return &repacker{
		lo:      lo,
		opts:    opts,
		lib:     lib,
		out:     out,
		copiers: map[*extent.Type]*extent.Copier{},
		stats:   map[string]sink.Stats{},
	}
}

// partPath names part n of the output.
func (r *repacker) partPath(n int) string {
	if r.opts.partSize == 0 {
		return r.out
	}
	return fmt.Sprintf("%s.part-%04d.ds", strings.TrimSuffix(r.out, ".ds"), n)
}

func (r *repacker) open() error {
	path := r.partPath(r.part)
	s, err := sink.New(path,
		sink.WithLogger(r.lo),
		sink.WithCompression(r.opts.mask),
		sink.WithCompressionLevel(r.opts.level),
		sink.WithCompressors(r.opts.compressors),
	)
	if err != nil {
		return err
	}
	if err := s.RegisterTypes(r.lib); err != nil {
		s.Close(false)
		return err
	}
	r.sink = s
	r.outputs = map[string]*sink.Output{}
	r.files = append(r.files, path)
	r.lo.Debug("opened output", "path", path)

	if r.opts.noInfo {
		return nil
	}
	return r.writeInfo()
}

func (r *repacker) writeInfo() error {
	var (
		e         = extent.New(infoType)
		rec       = e.Append()
		mode, _   = infoType.FieldByName("compress_mode")
		level, _  = infoType.FieldByName("compress_level")
		size, _   = infoType.FieldByName("extent_size")
		partSz, _ = infoType.FieldByName("part_size")
	)
	mode.SetString(e, rec, r.opts.mask.String())
	level.SetInt32(e, rec, int32(r.opts.level))
	size.SetInt32(e, rec, int32(r.opts.extentSize))
	partSz.SetInt64(e, rec, int64(r.opts.partSize))
	return r.sink.Submit(e, nil)
}

func (r *repacker) closePart() error {
	var merr *multierror.Error
	for name, out := range r.outputs {
		if err := out.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		st := r.stats[name]
		st.Add(out.Stats())
		r.stats[name] = st
	}
	if err := r.sink.Close(true); err != nil {
		merr = multierror.Append(merr, err)
	}
	r.lo.Debug("closed output", "path", r.sink.Path())
	r.sink = nil
	return merr.ErrorOrNil()
}

// add copies every record of e into the output for its type.
func (r *repacker) add(e *extent.Extent) error {
	if r.sink == nil {
		if err := r.open(); err != nil {
			return err
		}
	}
	if !r.opts.noInfo && e.Type.Name() == infoTypeName {
		return nil
	}

	dst, ok := r.lib.Lookup(e.Type.Name())
	if !ok {
		return fmt.Errorf("%w: %q", extent.ErrUnknownType, e.Type.Name())
	}
	c, ok := r.copiers[e.Type]
	if !ok {
		var err error
		if c, err = extent.NewCopier(e.Type, dst, nil); err != nil {
			return err
		}
		r.copiers[e.Type] = c
	}

	out, ok := r.outputs[dst.Name()]
	if !ok {
		out = sink.NewOutput(r.sink, dst, r.opts.extentSize)
		r.outputs[dst.Name()] = out
	}
	for rec := 0; rec < e.NRecords(); rec++ {
		if err := out.Copy(c, e, rec); err != nil {
			return err
		}
	}

	if r.opts.partSize > 0 && r.sink.Stats().PackedSize >= r.opts.partSize {
		if err := r.closePart(); err != nil {
			return err
		}
		r.part++
	}
	return nil
}

func (r *repacker) close() error {
	if r.sink == nil {
		if len(r.files) > 0 {
			return nil
		}
		// Inputs without user extents still produce a valid file.
		if err := r.open(); err != nil {
			return err
		}
	}
	return r.closePart()
}

// total sums the stats of every type.
func (r *repacker) total() sink.Stats {
	var t sink.Stats
	for _, st := range r.stats {
		t.Add(st)
	}
	return t
}

// typeNames returns the names with stats in a stable order.
func (r *repacker) typeNames() []string {
	names := make([]string, 0, len(r.stats))
	for n := range r.stats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

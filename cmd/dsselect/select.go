package main

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/mr-karan/extentdb/pkg/source"
	"github.com/zerodha/logf"
)

type selectOpts struct {
	mask        compress.Mask
	level       int
	compressors int
	extentSize  int
}

// projectType builds a type named like t holding only the given fields,
// in the order they are listed.
func projectType(t *extent.Type, fields []string) (*extent.Type, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields selected", extent.ErrInvalidSchema)
	}

	var b strings.Builder
	b.WriteString(`<ExtentType name="`)
	xml.EscapeText(&b, []byte(t.Name()))
	b.WriteString(`" namespace="`)
	xml.EscapeText(&b, []byte(t.Namespace()))
	b.WriteString(`" version="`)
	xml.EscapeText(&b, []byte(t.Version()))
	b.WriteString("\">\n")
	for _, name := range fields {
		line, err := t.FieldSchema(name)
		if err != nil {
			return nil, err
		}
		b.WriteString("  " + line + "\n")
	}
	b.WriteString("</ExtentType>\n")
	return extent.ParseType(b.String())
}

// resolve finds the type matching prefix in every input. All inputs must
// carry the same schema for it.
func resolve(srcs []*source.Source, prefix string) (*extent.Type, error) {
	var found *extent.Type
	for _, src := range srcs {
		t, err := src.Library().LookupPrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.Path(), err)
		}
		if found != nil && !found.Equal(t) {
			return nil, fmt.Errorf("%s: %w: %q", src.Path(), extent.ErrTypeConflict, t.Name())
		}
		found = t
	}
	return found, nil
}

// selectFields copies the chosen fields of one type from every input into
// out and returns the stats of what was written.
func selectFields(lo logf.Logger, opts selectOpts, prefix string, fields []string, inputs []string, out string) (sink.Stats, error) {
	srcs := make([]*source.Source, 0, len(inputs))
	defer func() {
		for _, s := range srcs {
			s.Close()
		}
	}()
	for _, in := range inputs {
		s, err := source.Open(in)
		if err != nil {
			return sink.Stats{}, err
		}
		srcs = append(srcs, s)
	}

	from, err := resolve(srcs, prefix)
	if err != nil {
		return sink.Stats{}, err
	}
	to, err := projectType(from, fields)
	if err != nil {
		return sink.Stats{}, err
	}
	lo.Debug("selected type", "type", from.Name(), "fields", strings.Join(fields, ","))

	lib := extent.NewLibrary()
	if _, err := lib.Add(to); err != nil {
		return sink.Stats{}, err
	}

	s, err := sink.New(out,
		sink.WithLogger(lo),
		sink.WithCompression(opts.mask),
		sink.WithCompressionLevel(opts.level),
		sink.WithCompressors(opts.compressors),
	)
	if err != nil {
		return sink.Stats{}, err
	}
	if err := s.RegisterTypes(lib); err != nil {
		return sink.Stats{}, multierror.Append(err, s.Close(false))
	}

	var (
		output  = sink.NewOutput(s, to, opts.extentSize)
		copiers = map[*extent.Type]*extent.Copier{}
		merr    *multierror.Error
	)
	for _, src := range srcs {
		err := src.Extents(func(_ int64, e *extent.Extent) error {
			if e.Type.Name() != from.Name() {
				return nil
			}
			c, ok := copiers[e.Type]
			if !ok {
				var err error
				if c, err = extent.NewCopier(e.Type, to, nil); err != nil {
					return err
				}
				copiers[e.Type] = c
			}
			for rec := 0; rec < e.NRecords(); rec++ {
				if err := output.Copy(c, e, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		lo.Debug("copied input", "path", src.Path())
	}

	if err := output.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := s.Close(true); err != nil {
		merr = multierror.Append(merr, err)
	}
	return output.Stats(), merr.ErrorOrNil()
}

// Package source reads and verifies extent files written by a sink.
package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"
	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/compress"
	"github.com/mr-karan/extentdb/pkg/extent"
)

// IndexEntry locates one unit of a file.
type IndexEntry struct {
	TypeName string
	Offset   int64
}

// Source is an extent file mapped for reading.
type Source struct {
	path  string
	f     *os.File
	m     mmap.MMap
	order binary.ByteOrder

	tail  format.Tail
	index []IndexEntry
	lib   *extent.Library
}

func mapFile(path string) (*os.File, mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.Size() < format.HeaderSize+format.TailSize {
		f.Close()
		return nil, nil, corrupt(path, 0, fmt.Errorf("%w: %d bytes", ErrTruncated, st.Size()))
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("error mapping %q: %w", path, err)
	}
	return f, m, nil
}

// Open maps path, checks the header and tail, and loads the type registry
// and the extent index.
func Open(path string) (*Source, error) {
	f, m, err := mapFile(path)
	if err != nil {
		return nil, err
	}

	s := &Source{path: path, f: f, m: m, lib: extent.NewLibrary()}
	if err := s.load(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) load() error {
	order, err := format.ParseHeader(s.m)
	if err != nil {
		return corrupt(s.path, 0, err)
	}
	s.order = order

	tailOff := int64(len(s.m)) - format.TailSize
	s.tail, err = format.ParseTail(s.m[tailOff:], order, int64(len(s.m)))
	if err != nil {
		return corrupt(s.path, tailOff, err)
	}

	idx, err := s.ReadAt(int64(s.tail.IndexOffset))
	if err != nil {
		return err
	}
	if idx.Type != extent.IndexType {
		return corrupt(s.path, int64(s.tail.IndexOffset), fmt.Errorf("%w: tail points at a %q unit", ErrIndex, idx.Type.Name()))
	}
	s.index = readIndex(idx)

	for _, ent := range s.index {
		if ent.TypeName != extent.RegistryTypeName {
			continue
		}
		reg, err := s.ReadAt(ent.Offset)
		if err != nil {
			return err
		}
		xmltype, _ := extent.RegistryType.FieldByName("xmltype")
		for rec := 0; rec < reg.NRecords(); rec++ {
			if _, err := s.lib.Register(xmltype.String(reg, rec)); err != nil {
				return corrupt(s.path, ent.Offset, err)
			}
		}
	}
	return nil
}

func readIndex(e *extent.Extent) []IndexEntry {
	var (
		offset, _   = extent.IndexType.FieldByName("offset")
		typeName, _ = extent.IndexType.FieldByName("extenttype")
		out         = make([]IndexEntry, 0, e.NRecords())
	)
	for rec := 0; rec < e.NRecords(); rec++ {
		out = append(out, IndexEntry{
			TypeName: typeName.String(e, rec),
			Offset:   offset.Int64(e, rec),
		})
	}
	return out
}

// Path returns the path the source was opened from.
func (s *Source) Path() string { return s.path }

// ByteOrder returns the order the file was written in.
func (s *Source) ByteOrder() binary.ByteOrder { return s.order }

// Library returns the types registered in the file.
func (s *Source) Library() *extent.Library { return s.lib }

// Index returns every unit listed in the file's index, in file order.
func (s *Source) Index() []IndexEntry {
	out := make([]IndexEntry, len(s.index))
	copy(out, s.index)
	return out
}

// ReadAt decodes the unit at off. The returned extent owns its memory and
// is in little endian whatever order the file uses.
func (s *Source) ReadAt(off int64) (*extent.Extent, error) {
	if off < format.HeaderSize || off >= int64(len(s.m)) {
		return nil, corrupt(s.path, off, fmt.Errorf("%w: offset out of range", ErrTruncated))
	}
	f, err := format.ParseFrame(s.m[off:], s.order)
	if err != nil {
		return nil, corrupt(s.path, off, err)
	}
	t, ok := s.lib.Lookup(f.TypeName)
	if !ok {
		return nil, corrupt(s.path, off, fmt.Errorf("%w: %q", extent.ErrUnknownType, f.TypeName))
	}

	fixed, variable, err := unpack(&f, s.m[off:])
	if err != nil {
		return nil, corrupt(s.path, off, err)
	}
	if format.ContentChecksum(fixed, variable) != f.ContentChecksum {
		return nil, corrupt(s.path, off, fmt.Errorf("%w: content", ErrChecksum))
	}
	if len(fixed) != int(f.NRecords)*t.RecordSize() {
		return nil, corrupt(s.path, off, fmt.Errorf("%w: %d fixed bytes for %d records of %d bytes",
			ErrFrame, len(fixed), f.NRecords, t.RecordSize()))
	}

	e := &extent.Extent{Type: t, Fixed: fixed, Variable: variable}
	if s.order != binary.LittleEndian {
		if err := e.SwapByteOrder(s.order); err != nil {
			return nil, corrupt(s.path, off, err)
		}
	}
	return e, nil
}

// unpack decompresses both parts of the unit at the start of b. The
// results never alias b.
func unpack(f *format.Frame, b []byte) (fixed, variable []byte, err error) {
	pf, pv := f.Payload(b)
	if fixed, err = decompress(f.FixedAlg, pf, int(f.FixedUnpacked)); err != nil {
		return nil, nil, err
	}
	if variable, err = decompress(f.VariableAlg, pv, int(f.VariableUnpacked)); err != nil {
		return nil, nil, err
	}
	return fixed, variable, nil
}

func decompress(a compress.Algorithm, packed []byte, n int) ([]byte, error) {
	out, err := compress.Decompress(a, packed, n)
	if err != nil {
		return nil, err
	}
	if a == compress.None {
		out = bytes.Clone(out)
	}
	return out, nil
}

// Extents calls fn for every user extent in file order, skipping the
// registry and index units. It stops at the first error fn returns.
func (s *Source) Extents(fn func(off int64, e *extent.Extent) error) error {
	for _, ent := range s.index {
		if extent.IsBuiltin(ent.TypeName) {
			continue
		}
		e, err := s.ReadAt(ent.Offset)
		if err != nil {
			return err
		}
		if err := fn(ent.Offset, e); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes the file.
func (s *Source) Close() error {
	var merr *multierror.Error
	if s.m != nil {
		if err := s.m.Unmap(); err != nil {
			merr = multierror.Append(merr, err)
		}
		s.m = nil
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		s.f = nil
	}
	return merr.ErrorOrNil()
}

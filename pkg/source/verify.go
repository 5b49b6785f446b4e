package source

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/extent"
)

// UnitReport is the verification result for one unit.
type UnitReport struct {
	Offset   int64
	TypeName string
	NRecords uint32

	// ContentOK is set when the payload decompresses to data matching the
	// unit's content checksum. ChainOK is set when the chain recomputed
	// from the start of the file matches the stored one.
	ContentOK bool
	ChainOK   bool
	Err       error
}

// Report is the verification result for a whole file.
type Report struct {
	Path      string
	ByteOrder binary.ByteOrder
	Units     []UnitReport
	IndexOK   bool
	TailOK    bool
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	if !r.IndexOK || !r.TailOK {
		return false
	}
	for _, u := range r.Units {
		if !u.ContentOK || !u.ChainOK {
			return false
		}
	}
	return true
}

// Verify walks every unit of the file at path, recomputing each content
// checksum and the checksum chain, and compares the walk with the index
// and the tail. The walk continues past bad payloads and stops only when a
// frame cannot be decoded. The returned error is a *CorruptFileError for
// the first failure; the report holds the details either way.
func Verify(path string) (*Report, error) {
	f, m, err := mapFile(path)
	if err != nil {
		return &Report{Path: path}, err
	}
	defer func() {
		m.Unmap()
		f.Close()
	}()

	var (
		r        = &Report{Path: path}
		firstErr error
		note     = func(off int64, err error) {
			if firstErr == nil {
				firstErr = corrupt(path, off, err)
			}
		}
	)

	order, err := format.ParseHeader(m)
	if err != nil {
		return r, corrupt(path, 0, err)
	}
	r.ByteOrder = order

	var (
		size    = int64(len(m))
		tailOff = size - format.TailSize
	)
	tail, err := format.ParseTail(m[tailOff:], order, size)
	if err != nil {
		return r, corrupt(path, tailOff, err)
	}

	// Walk every unit between the header and the tail.
	var (
		chain  uint32
		broken bool
		off    = int64(format.HeaderSize)
		walked = []int64{0}
		index  *extent.Extent
	)
	for off < tailOff {
		fr, err := format.ParseFrame(m[off:tailOff], order)
		if err != nil {
			r.Units = append(r.Units, UnitReport{Offset: off, Err: err})
			note(off, err)
			break
		}

		u := UnitReport{Offset: off, TypeName: fr.TypeName, NRecords: fr.NRecords}
		fixed, variable, err := unpack(&fr, m[off:])
		if err == nil {
			content := format.ContentChecksum(fixed, variable)
			u.ContentOK = content == fr.ContentChecksum
			if !u.ContentOK {
				err = fmt.Errorf("%w: content", ErrChecksum)
			}
			chain = format.Chain(chain, content)
		}
		if err != nil {
			u.Err = err
			broken = true
		}
		u.ChainOK = !broken && chain == fr.ChainedChecksum
		if u.Err == nil && !u.ChainOK {
			u.Err = ErrChain
		}
		if u.Err != nil {
			note(off, u.Err)
		}
		r.Units = append(r.Units, u)

		if off == int64(tail.IndexOffset) {
			if u.ContentOK && fr.TypeName == extent.IndexTypeName {
				index = &extent.Extent{Type: extent.IndexType, Fixed: fixed, Variable: variable}
			}
		} else {
			walked = append(walked, off)
		}
		off += int64(fr.Size())
	}

	// The last unit walked must be the index, ending right at the tail.
	r.TailOK = firstErr == nil && off == tailOff && !broken && chain == tail.ChainedChecksum
	if firstErr == nil && !r.TailOK {
		note(tailOff, fmt.Errorf("%w: tail", ErrChain))
	}

	r.IndexOK = index != nil && matchIndex(index, order, walked)
	if !r.IndexOK {
		note(int64(tail.IndexOffset), fmt.Errorf("%w: %d units walked", ErrIndex, len(walked)))
	}
	return r, firstErr
}

func matchIndex(e *extent.Extent, order binary.ByteOrder, walked []int64) bool {
	if order != binary.LittleEndian {
		if err := e.SwapByteOrder(order); err != nil {
			return false
		}
	}
	if err := e.Validate(); err != nil {
		return false
	}
	entries := readIndex(e)
	if len(entries) != len(walked) {
		return false
	}
	for i, ent := range entries {
		if ent.Offset != walked[i] {
			return false
		}
	}
	return true
}

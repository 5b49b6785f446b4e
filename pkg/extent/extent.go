// Package extent holds the in-memory representation of a batch of typed
// records: a fixed-size record area plus a pool of variable-size values.
package extent

import (
	"encoding/binary"
	"fmt"
)

// Extent is a batch of records of one Type.
//
// Variable32 values live in the pool as `u32 length | bytes | padding to 4`.
// Offset 0 always refers to the empty value, so the pool starts with four
// zero bytes as soon as a non-empty value is stored.
type Extent struct {
	Type     *Type
	Fixed    []byte
	Variable []byte
}

// New returns an empty extent of type t.
func New(t *Type) *Extent {
	return &Extent{Type: t}
}

// NRecords returns the number of records in the extent.
func (e *Extent) NRecords() int {
	if e.Type == nil || e.Type.size == 0 {
		return 0
	}
	return len(e.Fixed) / e.Type.size
}

func (e *Extent) FixedSize() int    { return len(e.Fixed) }
func (e *Extent) VariableSize() int { return len(e.Variable) }

// Size returns the total number of bytes held by the extent.
func (e *Extent) Size() int { return len(e.Fixed) + len(e.Variable) }

// Swap exchanges the contents of two extents.
func (e *Extent) Swap(o *Extent) {
	e.Type, o.Type = o.Type, e.Type
	e.Fixed, o.Fixed = o.Fixed, e.Fixed
	e.Variable, o.Variable = o.Variable, e.Variable
}

// Reset drops all records but keeps the type.
func (e *Extent) Reset() {
	e.Fixed = nil
	e.Variable = nil
}

// Append adds a zeroed record and returns its index.
func (e *Extent) Append() int {
	rec := e.NRecords()
	e.Fixed = append(e.Fixed, make([]byte, e.Type.size)...)
	return rec
}

func (e *Extent) appendVariable(v []byte) uint32 {
	if len(v) == 0 {
		return 0
	}
	if len(e.Variable) == 0 {
		e.Variable = append(e.Variable, 0, 0, 0, 0)
	}
	off := len(e.Variable)
	e.Variable = binary.LittleEndian.AppendUint32(e.Variable, uint32(len(v)))
	e.Variable = append(e.Variable, v...)
	if pad := (4 - len(v)%4) % 4; pad > 0 {
		e.Variable = append(e.Variable, make([]byte, pad)...)
	}
	return uint32(off)
}

func (e *Extent) variable(off uint32) []byte {
	if off == 0 {
		return nil
	}
	o := int(off)
	if o+4 > len(e.Variable) {
		return nil
	}
	n := int(binary.LittleEndian.Uint32(e.Variable[o:]))
	if o+4+n > len(e.Variable) {
		return nil
	}
	return e.Variable[o+4 : o+4+n]
}

// Validate checks that the record area is a whole number of records, the
// pool is well formed, and every variable32 field points at a pool entry.
func (e *Extent) Validate() error {
	if e.Type == nil {
		return fmt.Errorf("%w: extent has no type", ErrUnknownType)
	}
	if len(e.Fixed)%e.Type.size != 0 {
		return fmt.Errorf("%w: fixed area of %d bytes is not a multiple of record size %d",
			ErrBadPool, len(e.Fixed), e.Type.size)
	}

	entries, err := walkPool(e.Variable, binary.LittleEndian)
	if err != nil {
		return err
	}
	for _, f := range e.Type.fields {
		if f.Kind != Variable32 {
			continue
		}
		for rec := 0; rec < e.NRecords(); rec++ {
			off := binary.LittleEndian.Uint32(e.Fixed[f.pos(e, rec):])
			if _, ok := entries[off]; !ok {
				return fmt.Errorf("%w: field %q of record %d points at %d", ErrBadPool, f.Name, rec, off)
			}
		}
	}
	return nil
}

// walkPool returns the set of entry offsets in a pool encoded in order.
func walkPool(pool []byte, order binary.ByteOrder) (map[uint32]struct{}, error) {
	entries := map[uint32]struct{}{0: {}}
	if len(pool) == 0 {
		return entries, nil
	}
	if len(pool) < 4 || len(pool)%4 != 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrBadPool, len(pool))
	}
	for o := 4; o < len(pool); {
		if o+4 > len(pool) {
			return nil, fmt.Errorf("%w: truncated entry at %d", ErrBadPool, o)
		}
		n := int(order.Uint32(pool[o:]))
		end := o + 4 + (n+3)/4*4
		if n < 0 || end > len(pool) {
			return nil, fmt.Errorf("%w: entry at %d overruns pool", ErrBadPool, o)
		}
		entries[uint32(o)] = struct{}{}
		o = end
	}
	return entries, nil
}

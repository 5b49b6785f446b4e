package extent

import (
	"encoding/binary"
	"fmt"
)

// SwapByteOrder converts the extent between little and big endian in
// place. current is the order the data is in now; pool lengths are read
// with it before they are swapped.
func (e *Extent) SwapByteOrder(current binary.ByteOrder) error {
	if len(e.Fixed)%e.Type.size != 0 {
		return fmt.Errorf("%w: fixed area is not a multiple of record size", ErrBadPool)
	}

	var w4, w8 []int
	for _, f := range e.Type.fields {
		switch f.Kind.Size() {
		case 4:
			w4 = append(w4, f.offset)
		case 8:
			w8 = append(w8, f.offset)
		}
	}
	for base := 0; base < len(e.Fixed); base += e.Type.size {
		for _, off := range w4 {
			swap4(e.Fixed[base+off:])
		}
		for _, off := range w8 {
			swap8(e.Fixed[base+off:])
		}
	}

	if len(e.Variable) == 0 {
		return nil
	}
	if len(e.Variable)%4 != 0 {
		return fmt.Errorf("%w: pool size %d", ErrBadPool, len(e.Variable))
	}
	for o := 4; o < len(e.Variable); {
		if o+4 > len(e.Variable) {
			return fmt.Errorf("%w: truncated entry at %d", ErrBadPool, o)
		}
		n := int(current.Uint32(e.Variable[o:]))
		end := o + 4 + (n+3)/4*4
		if end > len(e.Variable) {
			return fmt.Errorf("%w: entry at %d overruns pool", ErrBadPool, o)
		}
		swap4(e.Variable[o:])
		o = end
	}
	return nil
}

func swap4(b []byte) {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
}

func swap8(b []byte) {
	b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7] = b[7], b[6], b[5], b[4], b[3], b[2], b[1], b[0]
}

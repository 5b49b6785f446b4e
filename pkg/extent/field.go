package extent

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Accessors panic when used on a field of another kind; that is a
// programming error, not a data error.
func (f *Field) check(k Kind) {
	if f.Kind != k {
		panic(fmt.Sprintf("extent: field %q is %s, not %s", f.Name, f.Kind, k))
	}
}

func (f *Field) pos(e *Extent, rec int) int {
	return rec*e.Type.size + f.offset
}

// IsNull reports whether the field is null in record rec. Non-nullable
// fields are never null.
func (f *Field) IsNull(e *Extent, rec int) bool {
	if !f.Nullable {
		return false
	}
	return e.Fixed[rec*e.Type.size+f.nullOffset] != 0
}

// SetNull sets or clears the null flag. Setting a value clears it too.
func (f *Field) SetNull(e *Extent, rec int, null bool) {
	if !f.Nullable {
		return
	}
	var v byte
	if null {
		v = 1
	}
	e.Fixed[rec*e.Type.size+f.nullOffset] = v
}

func (f *Field) Bool(e *Extent, rec int) bool {
	f.check(Bool)
	return e.Fixed[f.pos(e, rec)] != 0
}

func (f *Field) SetBool(e *Extent, rec int, v bool) {
	f.check(Bool)
	var b byte
	if v {
		b = 1
	}
	e.Fixed[f.pos(e, rec)] = b
	f.SetNull(e, rec, false)
}

func (f *Field) Byte(e *Extent, rec int) byte {
	f.check(Byte)
	return e.Fixed[f.pos(e, rec)]
}

func (f *Field) SetByte(e *Extent, rec int, v byte) {
	f.check(Byte)
	e.Fixed[f.pos(e, rec)] = v
	f.SetNull(e, rec, false)
}

func (f *Field) Int32(e *Extent, rec int) int32 {
	f.check(Int32)
	return int32(binary.LittleEndian.Uint32(e.Fixed[f.pos(e, rec):]))
}

func (f *Field) SetInt32(e *Extent, rec int, v int32) {
	f.check(Int32)
	binary.LittleEndian.PutUint32(e.Fixed[f.pos(e, rec):], uint32(v))
	f.SetNull(e, rec, false)
}

func (f *Field) Int64(e *Extent, rec int) int64 {
	f.check(Int64)
	return int64(binary.LittleEndian.Uint64(e.Fixed[f.pos(e, rec):]))
}

func (f *Field) SetInt64(e *Extent, rec int, v int64) {
	f.check(Int64)
	binary.LittleEndian.PutUint64(e.Fixed[f.pos(e, rec):], uint64(v))
	f.SetNull(e, rec, false)
}

func (f *Field) Double(e *Extent, rec int) float64 {
	f.check(Double)
	return math.Float64frombits(binary.LittleEndian.Uint64(e.Fixed[f.pos(e, rec):]))
}

func (f *Field) SetDouble(e *Extent, rec int, v float64) {
	f.check(Double)
	binary.LittleEndian.PutUint64(e.Fixed[f.pos(e, rec):], math.Float64bits(v))
	f.SetNull(e, rec, false)
}

// Bytes returns the variable32 value of record rec. The slice aliases the
// extent's pool.
func (f *Field) Bytes(e *Extent, rec int) []byte {
	f.check(Variable32)
	return e.variable(binary.LittleEndian.Uint32(e.Fixed[f.pos(e, rec):]))
}

func (f *Field) String(e *Extent, rec int) string {
	return string(f.Bytes(e, rec))
}

func (f *Field) SetBytes(e *Extent, rec int, v []byte) {
	f.check(Variable32)
	off := e.appendVariable(v)
	binary.LittleEndian.PutUint32(e.Fixed[f.pos(e, rec):], off)
	f.SetNull(e, rec, false)
}

func (f *Field) SetString(e *Extent, rec int, v string) {
	f.SetBytes(e, rec, []byte(v))
}

// Package format encodes the on-disk layout of extent files.
package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/mr-karan/extentdb/pkg/compress"
)

/*
An extent file is a header, a sequence of units and a tail.

Header (24 bytes):
-------------------------------------------------------------------------
| magic(4) | version(4) | bom32(4) | bom64(8) | crc(4)                   |
-------------------------------------------------------------------------

Unit:
---------------------------------------------------------------------------------------
| fixed_packed(4) | var_packed(4) | nrecords(4) | fixed_unpacked(4) | var_unpacked(4) |
| content_crc(4) | chain_crc(4) | fixed_alg(1) | var_alg(1) | name_len(2) | frame_crc(4) |
| name | pad to 4 | fixed packed bytes | variable packed bytes | pad to 4               |
---------------------------------------------------------------------------------------

Tail (32 bytes):
-------------------------------------------------------------------------------------
| 0xffffffff(4) | index_size(4) | ^index_size(4) | chain(4) | index_offset(8) | crc(4) | 0(4) |
-------------------------------------------------------------------------------------

The writer always uses little endian. Readers find the order from the
byte-order markers in the header and decode everything else with it.
*/

const (
	Version = 1

	HeaderSize = 24
	FrameSize  = 36
	TailSize   = 32

	bom32 = uint32(0x12345678)
	bom64 = uint64(0x0123456789abcdef)

	tailMarker = uint32(0xffffffff)
)

var Magic = [4]byte{'X', 'T', 'D', 'B'}

// ByteOrder both decodes and appends integers. binary.LittleEndian and
// binary.BigEndian satisfy it.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

var (
	ErrBadMagic  = errors.New("bad magic number")
	ErrVersion   = errors.New("unsupported format version")
	ErrByteOrder = errors.New("unrecognised byte order marker")
	ErrTruncated = errors.New("truncated file")
	ErrChecksum  = errors.New("checksum mismatch")
	ErrChain     = errors.New("chained checksum mismatch")
	ErrIndex     = errors.New("index does not match units")
	ErrFrame     = errors.New("malformed unit frame")
)

// AppendHeader appends an encoded file header to dst.
func AppendHeader(dst []byte, order ByteOrder) []byte {
	start := len(dst)
	dst = append(dst, Magic[:]...)
	dst = order.AppendUint32(dst, Version)
	dst = order.AppendUint32(dst, bom32)
	dst = order.AppendUint64(dst, bom64)
	return order.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
}

// ParseHeader validates a file header and returns the byte order it uses.
func ParseHeader(b []byte) (ByteOrder, error) {
	if len(b) < HeaderSize {
		return nil, ErrTruncated
	}
	if !bytes.Equal(b[:4], Magic[:]) {
		return nil, ErrBadMagic
	}

	var order ByteOrder
	switch {
	case binary.LittleEndian.Uint32(b[8:]) == bom32 && binary.LittleEndian.Uint64(b[12:]) == bom64:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(b[8:]) == bom32 && binary.BigEndian.Uint64(b[12:]) == bom64:
		order = binary.BigEndian
	default:
		return nil, ErrByteOrder
	}
	if order.Uint32(b[20:]) != crc32.ChecksumIEEE(b[:20]) {
		return nil, fmt.Errorf("%w: header", ErrChecksum)
	}
	if v := order.Uint32(b[4:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return order, nil
}

// Frame is the fixed part of a unit.
type Frame struct {
	FixedPacked      uint32
	VariablePacked   uint32
	NRecords         uint32
	FixedUnpacked    uint32
	VariableUnpacked uint32
	ContentChecksum  uint32
	ChainedChecksum  uint32
	FixedAlg         compress.Algorithm
	VariableAlg      compress.Algorithm
	TypeName         string
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// HeaderLen is the size of the frame plus the padded type name.
func (f *Frame) HeaderLen() int {
	return FrameSize + align4(len(f.TypeName))
}

// Size is the total size of the unit on disk.
func (f *Frame) Size() int {
	return f.HeaderLen() + align4(int(f.FixedPacked)+int(f.VariablePacked))
}

// AppendUnit encodes a whole unit to dst. The packed lengths in f are
// taken from fixed and variable.
func AppendUnit(dst []byte, order ByteOrder, f *Frame, fixed, variable []byte) []byte {
	f.FixedPacked = uint32(len(fixed))
	f.VariablePacked = uint32(len(variable))

	start := len(dst)
	dst = order.AppendUint32(dst, f.FixedPacked)
	dst = order.AppendUint32(dst, f.VariablePacked)
	dst = order.AppendUint32(dst, f.NRecords)
	dst = order.AppendUint32(dst, f.FixedUnpacked)
	dst = order.AppendUint32(dst, f.VariableUnpacked)
	dst = order.AppendUint32(dst, f.ContentChecksum)
	dst = order.AppendUint32(dst, f.ChainedChecksum)
	dst = append(dst, byte(f.FixedAlg), byte(f.VariableAlg))
	dst = order.AppendUint16(dst, uint16(len(f.TypeName)))

	crc := crc32.NewIEEE()
	crc.Write(dst[start:])
	crc.Write([]byte(f.TypeName))
	dst = order.AppendUint32(dst, crc.Sum32())

	dst = append(dst, f.TypeName...)
	dst = pad4(dst, start)
	dst = append(dst, fixed...)
	dst = append(dst, variable...)
	return pad4(dst, start)
}

func pad4(dst []byte, start int) []byte {
	for (len(dst)-start)%4 != 0 {
		dst = append(dst, 0)
	}
	return dst
}

// ParseFrame decodes the frame at the start of b and checks its own
// checksum. It does not look at the payload.
func ParseFrame(b []byte, order binary.ByteOrder) (Frame, error) {
	var f Frame
	if len(b) < FrameSize {
		return f, ErrTruncated
	}
	f.FixedPacked = order.Uint32(b[0:])
	f.VariablePacked = order.Uint32(b[4:])
	f.NRecords = order.Uint32(b[8:])
	f.FixedUnpacked = order.Uint32(b[12:])
	f.VariableUnpacked = order.Uint32(b[16:])
	f.ContentChecksum = order.Uint32(b[20:])
	f.ChainedChecksum = order.Uint32(b[24:])
	f.FixedAlg = compress.Algorithm(b[28])
	f.VariableAlg = compress.Algorithm(b[29])

	n := int(order.Uint16(b[30:]))
	if len(b) < FrameSize+n {
		return f, ErrTruncated
	}
	crc := crc32.NewIEEE()
	crc.Write(b[:32])
	crc.Write(b[FrameSize : FrameSize+n])
	if crc.Sum32() != order.Uint32(b[32:]) {
		return f, fmt.Errorf("%w: frame", ErrChecksum)
	}
	f.TypeName = string(b[FrameSize : FrameSize+n])
	if len(b) < f.Size() {
		return f, ErrTruncated
	}
	return f, nil
}

// Payload returns the packed fixed and variable bytes of the unit at the
// start of b, which must hold the whole unit.
func (f *Frame) Payload(b []byte) (fixed, variable []byte) {
	h := f.HeaderLen()
	fixed = b[h : h+int(f.FixedPacked)]
	variable = b[h+int(f.FixedPacked) : h+int(f.FixedPacked)+int(f.VariablePacked)]
	return fixed, variable
}

// ContentChecksum digests the unpacked payload of a unit.
func ContentChecksum(fixed, variable []byte) uint32 {
	d := xxhash.New()
	d.Write(fixed)
	d.Write(variable)
	return uint32(d.Sum64())
}

// Chain mixes a unit's content checksum into the running chain.
func Chain(prev, content uint32) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], prev)
	binary.LittleEndian.PutUint32(b[4:], content)
	return uint32(xxhash.Sum64(b[:]))
}

// Tail is the fixed footer locating the index unit.
type Tail struct {
	IndexSize       uint32
	ChainedChecksum uint32
	IndexOffset     uint64
}

// AppendTail appends an encoded tail to dst.
func AppendTail(dst []byte, order ByteOrder, t Tail) []byte {
	start := len(dst)
	dst = order.AppendUint32(dst, tailMarker)
	dst = order.AppendUint32(dst, t.IndexSize)
	dst = order.AppendUint32(dst, ^t.IndexSize)
	dst = order.AppendUint32(dst, t.ChainedChecksum)
	dst = order.AppendUint64(dst, t.IndexOffset)
	dst = order.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
	return order.AppendUint32(dst, 0)
}

// ParseTail decodes and checks the tail at the end of a file of size
// fileSize. b must hold exactly TailSize bytes.
func ParseTail(b []byte, order binary.ByteOrder, fileSize int64) (Tail, error) {
	var t Tail
	if len(b) < TailSize {
		return t, ErrTruncated
	}
	if order.Uint32(b[0:]) != tailMarker {
		return t, fmt.Errorf("%w: tail marker", ErrTruncated)
	}
	if order.Uint32(b[24:]) != crc32.ChecksumIEEE(b[:24]) {
		return t, fmt.Errorf("%w: tail", ErrChecksum)
	}
	t.IndexSize = order.Uint32(b[4:])
	if order.Uint32(b[8:]) != ^t.IndexSize {
		return t, fmt.Errorf("%w: tail index size", ErrChecksum)
	}
	t.ChainedChecksum = order.Uint32(b[12:])
	t.IndexOffset = order.Uint64(b[16:])
	if t.IndexOffset < HeaderSize || int64(t.IndexOffset)+int64(t.IndexSize)+TailSize != fileSize {
		return t, fmt.Errorf("%w: index at %d size %d in file of %d bytes", ErrTruncated, t.IndexOffset, t.IndexSize, fileSize)
	}
	return t, nil
}

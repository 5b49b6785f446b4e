// Package compress wraps the block compressors an extent file may use.
// Every algorithm carries a stable small integer id which is what gets
// written into a unit frame, so ids must never be renumbered.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm is the on-disk id of a compression algorithm.
type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	S2
	Snappy
	Gzip

	// NumAlgorithms is the number of known ids, None included.
	NumAlgorithms = int(Gzip) + 1
)

const (
	MinLevel     = 1
	MaxLevel     = 9
	DefaultLevel = 9
)

var (
	ErrUnknownAlgorithm = errors.New("unknown compression algorithm")
	ErrCorrupt          = errors.New("corrupt compressed data")
)

// priority is the tie-break order used by CompressBest when two
// algorithms produce the same size.
var priority = []Algorithm{S2, Snappy, Zstd, Gzip}

var names = [NumAlgorithms]string{"none", "zstd", "s2", "snappy", "gzip"}

func (a Algorithm) String() string {
	if int(a) < NumAlgorithms {
		return names[a]
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// Valid reports whether a is a known id.
func (a Algorithm) Valid() bool {
	return int(a) < NumAlgorithms
}

// ParseAlgorithm parses a compression algorithm from its name.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Algorithm(i), nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Mask is a set of enabled algorithms, bit 1<<id per algorithm.
type Mask uint32

// All enables every algorithm that actually compresses.
const All = Mask(1<<Zstd | 1<<S2 | 1<<Snappy | 1<<Gzip)

// MaskOf builds a mask out of the given algorithms.
func MaskOf(algs ...Algorithm) Mask {
	var m Mask
	for _, a := range algs {
		m |= 1 << a
	}
	return m
}

// ParseMask builds a mask out of algorithm names. "all" enables All and
// "none" adds nothing, since storing uncompressed is always allowed.
func ParseMask(list []string) (Mask, error) {
	var m Mask
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), "all") {
			m |= All
			continue
		}
		a, err := ParseAlgorithm(s)
		if err != nil {
			return 0, err
		}
		if a != None {
			m |= 1 << a
		}
	}
	return m, nil
}

// Has reports whether a is enabled.
func (m Mask) Has(a Algorithm) bool {
	return a.Valid() && m&(1<<a) != 0
}

// Algorithms returns the enabled compressing algorithms in priority order.
func (m Mask) Algorithms() []Algorithm {
	algs := make([]Algorithm, 0, len(priority))
	for _, a := range priority {
		if m.Has(a) {
			algs = append(algs, a)
		}
	}
	return algs
}

func (m Mask) String() string {
	algs := m.Algorithms()
	if len(algs) == 0 {
		return "none"
	}
	parts := make([]string, len(algs))
	for i, a := range algs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// Policy selects the smallest output among the enabled algorithms.
type Policy struct {
	Mask  Mask
	Level int
}

// CompressBest compresses payload with every enabled algorithm and keeps
// the smallest result. It falls back to storing the payload as is when
// nothing shrinks it, so it never fails.
func (p Policy) CompressBest(payload []byte) (Algorithm, []byte) {
	best, out := None, payload
	if len(payload) == 0 {
		return None, payload
	}
	for _, a := range p.Mask.Algorithms() {
		packed, err := Compress(a, payload, p.Level)
		if err != nil {
			continue
		}
		// Strictly smaller keeps the earlier algorithm on ties.
		if len(packed) < len(out) {
			best, out = a, packed
		}
	}
	return best, out
}

// Compress compresses payload with a single algorithm at level (1-9).
func Compress(a Algorithm, payload []byte, level int) ([]byte, error) {
	level = clampLevel(level)
	switch a {
	case None:
		return payload, nil
	case Zstd:
		return zstdEncoder(level).EncodeAll(payload, nil), nil
	case S2:
		switch {
		case level <= 3:
			return s2.Encode(nil, payload), nil
		case level <= 6:
			return s2.EncodeBetter(nil, payload), nil
		default:
			return s2.EncodeBest(nil, payload), nil
		}
	case Snappy:
		switch {
		case level <= 3:
			return s2.EncodeSnappy(nil, payload), nil
		case level <= 6:
			return s2.EncodeSnappyBetter(nil, payload), nil
		default:
			return s2.EncodeSnappyBest(nil, payload), nil
		}
	case Gzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a))
}

// Decompress inverts Compress. unpackedLen is the size recorded when the
// data was packed; a result of any other size is reported as corrupt.
func Decompress(a Algorithm, packed []byte, unpackedLen int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch a {
	case None:
		out = packed
	case Zstd:
		out, err = zstdDecoder().DecodeAll(packed, make([]byte, 0, unpackedLen))
	case S2, Snappy:
		// s2 decodes snappy blocks as well.
		out, err = s2.Decode(make([]byte, unpackedLen), packed)
	case Gzip:
		var r *gzip.Reader
		r, err = gzip.NewReader(bytes.NewReader(packed))
		if err == nil {
			buf := bytes.NewBuffer(make([]byte, 0, unpackedLen))
			_, err = io.Copy(buf, r)
			out = buf.Bytes()
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, a, err)
	}
	if len(out) != unpackedLen {
		return nil, fmt.Errorf("%w: %s: expected %d bytes, got %d", ErrCorrupt, a, unpackedLen, len(out))
	}
	return out, nil
}

func clampLevel(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// Encoders and the decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[int]*zstd.Encoder{}

	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder(level int) *zstd.Encoder {
	zstdMu.Lock()
	defer zstdMu.Unlock()

	enc, ok := zstdEncoders[level]
	if !ok {
		// Options are static so NewWriter cannot fail here.
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		zstdEncoders[level] = enc
	}
	return enc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

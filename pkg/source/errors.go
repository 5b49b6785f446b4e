package source

import (
	"fmt"

	"github.com/mr-karan/extentdb/internal/format"
	"github.com/mr-karan/extentdb/pkg/compress"
)

var (
	ErrBadMagic         = format.ErrBadMagic
	ErrVersion          = format.ErrVersion
	ErrByteOrder        = format.ErrByteOrder
	ErrTruncated        = format.ErrTruncated
	ErrChecksum         = format.ErrChecksum
	ErrChain            = format.ErrChain
	ErrIndex            = format.ErrIndex
	ErrFrame            = format.ErrFrame
	ErrUnknownAlgorithm = compress.ErrUnknownAlgorithm
)

// CorruptFileError reports a problem found while reading a file. Offset is
// the start of the unit, or of the header or tail, that failed.
type CorruptFileError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *CorruptFileError) Error() string {
	return fmt.Sprintf("corrupt file %q at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *CorruptFileError) Unwrap() error {
	return e.Err
}

func corrupt(path string, off int64, err error) error {
	return &CorruptFileError{Path: path, Offset: off, Err: err}
}

package extent

import "errors"

var (
	ErrInvalidSchema = errors.New("invalid type schema")
	ErrTypeConflict  = errors.New("type registered with a different schema")
	ErrUnknownType   = errors.New("unknown type")
	ErrAmbiguousType = errors.New("ambiguous type prefix")
	ErrNoField       = errors.New("no such field")
	ErrTypeMismatch  = errors.New("extent types differ")
	ErrBadPool       = errors.New("malformed variable pool")
)

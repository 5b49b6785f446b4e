package sink

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol wraps every misuse of the sink API.
	ErrProtocol = errors.New("sink protocol violation")
	// ErrIO wraps write, sync and close failures. A sink that returned it
	// has left its file in an undefined state.
	ErrIO = errors.New("sink write failed")

	ErrNoTypes         = errors.New("types must be registered before submitting extents")
	ErrTypesRegistered = errors.New("types are already registered")
	ErrUnknownType     = errors.New("extent type is not registered")
	ErrStatsRemoved    = errors.New("stats target was removed")
	ErrClosed          = errors.New("sink is closed")
	ErrTooLarge        = errors.New("extent part too large for a unit")
)

func protocol(err error) error {
	return fmt.Errorf("%w: %w", ErrProtocol, err)
}

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

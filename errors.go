// Package rewind turns one-pass sources (byte streams or object sequences) into
// re-readable data: a provider materializes the source into a shared, growable
// buffer on demand and hands out any number of independent, seekable cursors.
package rewind

import (
	"errors"
	"fmt"
)

// Read errors
var (
	// ErrNoSuchElement indicates that a cursor read past the known end of the data.
	ErrNoSuchElement = errors.New("no such element")

	// ErrNotReady indicates that an index has not been materialized yet.
	ErrNotReady = errors.New("index not yet materialized")

	// ErrInvalidPosition indicates a negative position.
	ErrInvalidPosition = errors.New("position out of bounds")

	// ErrNotSeekable indicates a backward seek on a forward-only cursor.
	ErrNotSeekable = errors.New("cursor cannot seek backward")
)

// Capacity and source errors
var (
	// ErrCapacityExceeded indicates that growing the buffer would cross its maximum capacity.
	ErrCapacityExceeded = errors.New("buffer capacity exceeded")

	// ErrSourceFailure indicates that the underlying one-pass source failed.
	ErrSourceFailure = errors.New("source failure")

	// ErrSpillFailure indicates that writing or reading the spill file failed.
	ErrSpillFailure = errors.New("spill storage failure")
)

// Lifecycle errors
var (
	// ErrProviderClosed indicates an operation on (or through) a closed provider.
	ErrProviderClosed = errors.New("provider closed")

	// ErrCursorClosed indicates an operation on a closed cursor.
	ErrCursorClosed = errors.New("cursor closed")

	// ErrAlreadyConsumed indicates a second cursor request on a pass-through provider.
	ErrAlreadyConsumed = errors.New("pass-through source already handed out")

	// ErrLibraryClosed indicates that the library has been shut down.
	ErrLibraryClosed = errors.New("library closed")
)

// Configuration errors
var (
	// ErrInvalidConfig indicates an invalid buffer configuration.
	ErrInvalidConfig = errors.New("invalid buffer config")

	// ErrNotSupported indicates a strategy or option that does not apply to the element type.
	ErrNotSupported = errors.New("operation not supported")

	// ErrNoSource indicates that a nil source was handed to a factory.
	ErrNoSource = errors.New("no source provided")
)

// CapacityError reports where growth stopped.
type CapacityError struct {
	Max       int64 // configured maximum capacity
	Requested int64 // index that could not be materialized
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: max %d, requested %d", ErrCapacityExceeded, e.Max, e.Requested)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// SourceError is the terminal failure of a source. Offset is the number of
// elements successfully pulled before the failure.
type SourceError struct {
	Offset int64
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%v at element %d: %v", ErrSourceFailure, e.Offset, e.Err)
}

func (e *SourceError) Unwrap() []error { return []error{ErrSourceFailure, e.Err} }

// SpillError wraps a failure of the spill file.
type SpillError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpillError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrSpillFailure, e.Op, e.Path, e.Err)
}

func (e *SpillError) Unwrap() []error { return []error{ErrSpillFailure, e.Err} }

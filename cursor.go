package rewind

import (
	"io"
	"math"
	"sync/atomic"
)

// Cursor is an independent read position over a provider's data.
//
// A Cursor is not safe for concurrent use; open one cursor per goroutine.
// Cursors on the same provider always observe identical elements at the
// same index, whatever order they read in.
type Cursor[T any] interface {
	// Next returns the element at the current position and advances by one.
	// It fails with ErrNoSuchElement past the end of the data.
	Next() (T, error)

	// HasNext reports whether Next would succeed. It may pull from the
	// source to find out.
	HasNext() bool

	// Read copies up to len(dst) elements from the current position and
	// advances past them. It returns io.EOF at the end of the data. For byte
	// cursors this is io.Reader.
	Read(dst []T) (int, error)

	// Seek moves to an absolute position without reading. Seeking past the
	// end is allowed; reads there fail with ErrNoSuchElement.
	Seek(pos int64) error

	// Position returns the current position.
	Position() int64

	// Size returns the total number of elements, blocking until the source
	// has been fully consumed.
	Size() (int64, error)

	// ID returns the cursor's unique identifier.
	ID() string

	// Close releases the cursor. It is idempotent and does not affect other
	// cursors.
	Close() error

	// IsClosed reports whether the cursor (or its provider) was closed.
	IsClosed() bool
}

// bufferedCursor reads from a provider's shared Buffer.
type bufferedCursor[T any] struct {
	id       string
	provider *BufferedProvider[T]
	buffer   *Buffer[T]
	position int64
	closed   atomic.Bool
}

func newBufferedCursor[T any](id string, p *BufferedProvider[T]) *bufferedCursor[T] {
	return &bufferedCursor[T]{id: id, provider: p, buffer: p.buffer}
}

func (c *bufferedCursor[T]) ID() string { return c.id }

func (c *bufferedCursor[T]) Position() int64 { return c.position }

func (c *bufferedCursor[T]) IsClosed() bool { return c.closed.Load() }

// check reports why the cursor can't be used, if it can't.
func (c *bufferedCursor[T]) check() error {
	if c.provider.IsClosed() {
		return ErrProviderClosed
	}
	if c.closed.Load() {
		return ErrCursorClosed
	}
	return nil
}

func (c *bufferedCursor[T]) Next() (T, error) {
	var zero T
	if err := c.check(); err != nil {
		return zero, err
	}

	w, err := c.buffer.EnsureMaterialized(c.position + 1)
	if c.position >= w {
		if err != nil {
			return zero, err
		}
		return zero, ErrNoSuchElement
	}

	v, err := c.buffer.At(c.position)
	if err != nil {
		return zero, err
	}
	c.position++
	return v, nil
}

func (c *bufferedCursor[T]) HasNext() bool {
	if c.check() != nil {
		return false
	}
	w, _ := c.buffer.EnsureMaterialized(c.position + 1)
	return c.position < w
}

func (c *bufferedCursor[T]) Read(dst []T) (int, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if len(dst) == 0 {
		return 0, nil
	}

	w, err := c.buffer.EnsureMaterialized(c.position + int64(len(dst)))
	if c.position >= w {
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}

	// Hand out what is available; a growth failure surfaces on the next call.
	n, rerr := c.buffer.ReadAt(dst, c.position)
	c.position += int64(n)
	return n, rerr
}

func (c *bufferedCursor[T]) Seek(pos int64) error {
	if err := c.check(); err != nil {
		return err
	}
	if pos < 0 {
		return ErrInvalidPosition
	}
	c.position = pos
	return nil
}

func (c *bufferedCursor[T]) Size() (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	w, err := c.buffer.EnsureMaterialized(math.MaxInt64)
	if err != nil {
		return w, err
	}
	return w, nil
}

func (c *bufferedCursor[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.provider.releaseCursor(c)
	return nil
}

// invalidate marks the cursor closed on behalf of its provider.
func (c *bufferedCursor[T]) invalidate() {
	c.closed.Store(true)
}

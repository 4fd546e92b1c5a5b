package rewind

import (
	"errors"
	"io"
	"iter"
	"os"
)

// maxEmptyPulls bounds consecutive pulls that return neither data nor an error.
const maxEmptyPulls = 100

// Source is a one-pass, ordered sequence of elements.
type Source[T any] interface {
	// Pull copies up to len(dst) next elements into dst and returns how many
	// were copied. It returns io.EOF once the sequence is exhausted; n may be
	// non-zero alongside io.EOF.
	Pull(dst []T) (n int, err error)
}

// SizedSource is implemented by sources that know their total length up front.
type SizedSource interface {
	KnownSize() (int64, bool)
}

// SliceSource serves the elements of a slice. Mostly useful for tests and for
// data that is already in memory but must be handed around as a Source.
type SliceSource[T any] struct {
	data []T
	pos  int
}

// NewSliceSource creates a source over data. The slice is not copied.
func NewSliceSource[T any](data []T) *SliceSource[T] {
	return &SliceSource[T]{data: data}
}

func (s *SliceSource[T]) Pull(dst []T) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(dst, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *SliceSource[T]) KnownSize() (int64, bool) {
	return int64(len(s.data)), true
}

// SeqSource adapts an iter.Seq. Close stops the underlying iterator.
type SeqSource[T any] struct {
	next func() (T, bool)
	stop func()
}

// NewSeqSource creates a source over seq.
func NewSeqSource[T any](seq iter.Seq[T]) *SeqSource[T] {
	next, stop := iter.Pull(seq)
	return &SeqSource[T]{next: next, stop: stop}
}

func (s *SeqSource[T]) Pull(dst []T) (int, error) {
	for i := range dst {
		v, ok := s.next()
		if !ok {
			return i, io.EOF
		}
		dst[i] = v
	}
	return len(dst), nil
}

func (s *SeqSource[T]) Close() error {
	s.stop()
	return nil
}

// FuncSource adapts a generator function. The function returns ok=false once
// the sequence is done; a non-nil error is a source failure.
type FuncSource[T any] func() (v T, ok bool, err error)

func (f FuncSource[T]) Pull(dst []T) (int, error) {
	for i := range dst {
		v, ok, err := f()
		if err != nil {
			return i, err
		}
		if !ok {
			return i, io.EOF
		}
		dst[i] = v
	}
	return len(dst), nil
}

// ReaderSource adapts an io.Reader as a byte source.
type ReaderSource struct {
	r io.Reader
}

// NewReaderSource creates a byte source reading from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Pull(dst []byte) (int, error) {
	return s.r.Read(dst)
}

// KnownSize reports the remaining length when the reader can tell it:
// bytes.Reader and strings.Reader via Len, io.SectionReader via Size and
// regular files via Stat.
func (s *ReaderSource) KnownSize() (int64, bool) {
	switch r := s.r.(type) {
	case interface{ Len() int }:
		return int64(r.Len()), true
	case interface{ Size() int64 }:
		return r.Size(), true
	case *os.File:
		info, err := r.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return 0, false
		}
		off, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}
		return info.Size() - off, true
	}
	return 0, false
}

func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// sourceConsumer wraps a Source with exhaustion and terminal-failure
// tracking. It is not safe for concurrent use; the buffer serializes calls.
type sourceConsumer[T any] struct {
	src       Source[T]
	pulled    int64
	exhausted bool
	err       error
}

func newSourceConsumer[T any](src Source[T]) *sourceConsumer[T] {
	return &sourceConsumer[T]{src: src}
}

// pull fills as much of dst as the source hands over in one call. It returns
// io.EOF once the source is exhausted and the same *SourceError for every
// call after a failure.
func (c *sourceConsumer[T]) pull(dst []T) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.exhausted {
		return 0, io.EOF
	}
	if len(dst) == 0 {
		return 0, nil
	}

	for empty := 0; ; empty++ {
		n, err := c.src.Pull(dst)
		c.pulled += int64(n)
		switch {
		case errors.Is(err, io.EOF):
			c.exhausted = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case err != nil:
			c.err = &SourceError{Offset: c.pulled, Err: err}
			return n, c.err
		case n > 0:
			return n, nil
		case empty >= maxEmptyPulls:
			c.err = &SourceError{Offset: c.pulled, Err: io.ErrNoProgress}
			return 0, c.err
		}
	}
}

// pullNext pulls a single element. ok is false once the source is exhausted.
func (c *sourceConsumer[T]) pullNext() (v T, ok bool, err error) {
	var one [1]T
	n, err := c.pull(one[:])
	if n == 1 {
		return one[0], true, nil
	}
	if errors.Is(err, io.EOF) {
		return v, false, nil
	}
	return v, false, err
}

func (c *sourceConsumer[T]) isExhausted() bool { return c.exhausted }

func (c *sourceConsumer[T]) knownSize() (int64, bool) {
	if sized, ok := c.src.(SizedSource); ok {
		return sized.KnownSize()
	}
	return 0, false
}

func (c *sourceConsumer[T]) close() error {
	if closer, ok := c.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

package rewind

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openPassThrough[T any](t *testing.T, lib *Library, src Source[T]) *PassThroughProvider[T] {
	t.Helper()
	p, err := Open(lib, src, ProviderOptions{Strategy: StrategyPassThrough})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p.(*PassThroughProvider[T])
}

func TestPassThroughSingleCursor(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openPassThrough[int](t, lib, NewSliceSource(intsUpTo(5)))
	assert.Equal(t, StrategyPassThrough, p.Strategy())

	c := mustCursor[int](t, p)
	assert.Equal(t, 1, p.OpenCursors())

	_, err := p.OpenCursor()
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
	_, err = p.Unwrap()
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	for i := 0; i < 5; i++ {
		v, err := c.Next()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)

	require.NoError(t, c.Close())
	assert.Zero(t, p.OpenCursors())
	_, err = p.OpenCursor()
	assert.ErrorIs(t, err, ErrAlreadyConsumed, "the source is gone even after the cursor closed")
}

func TestPassThroughUnwrap(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	src := newCountingSource(intsUpTo(3))
	p := openPassThrough[int](t, lib, src)

	raw, err := p.Unwrap()
	require.NoError(t, err)
	assert.Same(t, src, raw.(*countingSource[int]))

	_, err = p.OpenCursor()
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	require.NoError(t, p.Close())
	assert.True(t, src.closed.Load())
	_, err = p.Unwrap()
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestPassThroughHasNextPeeks(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	src := newCountingSource([]string{"x", "y", "z"})
	p := openPassThrough[string](t, lib, src)
	c := mustCursor[string](t, p)

	assert.True(t, c.HasNext())
	assert.True(t, c.HasNext(), "HasNext must not consume")
	assert.Zero(t, c.Position())
	assert.EqualValues(t, 1, src.pulled.Load())

	v, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	assert.True(t, c.HasNext())
	dst := make([]string, 5)
	n, err := c.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z"}, dst[:n])
	assert.EqualValues(t, 3, c.Position())

	assert.False(t, c.HasNext())
	_, err = c.Read(dst)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPassThroughSeek(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openPassThrough[int](t, lib, NewSliceSource(intsUpTo(2000)))
	c := mustCursor[int](t, p)

	require.NoError(t, c.Seek(1500))
	v, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, 1500, v)

	assert.ErrorIs(t, c.Seek(10), ErrNotSeekable)
	assert.ErrorIs(t, c.Seek(-1), ErrInvalidPosition)
	require.NoError(t, c.Seek(c.Position()), "seeking to the current position is a no-op")

	// A peeked element counts as skipped.
	assert.True(t, c.HasNext())
	require.NoError(t, c.Seek(1503))
	v, err = c.Next()
	require.NoError(t, err)
	assert.Equal(t, 1503, v)

	require.NoError(t, c.Seek(5000))
	assert.EqualValues(t, 5000, c.Position())
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)
}

func TestPassThroughSize(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})

	sized := openPassThrough[byte](t, lib, NewReaderSource(strings.NewReader("hello")))
	c := mustCursor[byte](t, sized)
	_, err := c.Next()
	require.NoError(t, err)
	size, err := c.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size, "size is the declared size, not what is left")

	unsized := openPassThrough[int](t, lib, failingSource(100))
	c2 := mustCursor[int](t, unsized)
	_, err = c2.Size()
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestPassThroughSourceFailure(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openPassThrough[int](t, lib, failingSource(3))
	c := mustCursor[int](t, p)

	dst := make([]int, 10)
	n, err := c.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, dst[:n])

	_, err = c.Read(dst)
	assert.ErrorIs(t, err, ErrSourceFailure)
	assert.False(t, c.HasNext())
	_, err = c.Next()
	assert.ErrorIs(t, err, errBroken)
}

func TestPassThroughClose(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openPassThrough[int](t, lib, NewSliceSource(intsUpTo(3)))
	c := mustCursor[int](t, p)

	require.NoError(t, p.Close())
	assert.True(t, c.IsClosed())
	_, err := c.Next()
	assert.ErrorIs(t, err, ErrProviderClosed)
	assert.ErrorIs(t, c.Seek(1), ErrProviderClosed)

	_, err = p.OpenCursor()
	assert.ErrorIs(t, err, ErrProviderClosed)

	providers, _ := lib.Registry().Counts()
	assert.Zero(t, providers)
}

func TestPassThroughCloseDuringRead(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})

	var stopped atomic.Bool
	var slow iter.Seq[int] = func(yield func(int) bool) {
		defer stopped.Store(true)
		for i := 0; ; i++ {
			time.Sleep(100 * time.Microsecond)
			if !yield(i) {
				return
			}
		}
	}
	p, err := OpenSeq(lib, slow, ProviderOptions{Strategy: StrategyPassThrough})
	require.NoError(t, err)
	c := mustCursor(t, p)

	started := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; ; i++ {
			v, err := c.Next()
			if err != nil {
				return err
			}
			if v != i {
				return fmt.Errorf("element %d = %d", i, v)
			}
			if i == 0 {
				close(started)
			}
		}
	})

	<-started
	require.NoError(t, p.Close())
	assert.ErrorIs(t, g.Wait(), ErrProviderClosed)
	assert.True(t, stopped.Load(), "the iterator is stopped once the last read returns")

	_, err = c.Next()
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestPassThroughCloseWaitsForInFlightPull(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	src := newCountingSource(intsUpTo(3))
	p := openPassThrough[int](t, lib, src)

	// Pin the source the way a cursor call in progress does.
	require.True(t, p.acquire())
	require.NoError(t, p.Close())
	assert.False(t, src.closed.Load(), "the source must outlive the in-flight pull")

	require.NoError(t, p.unref())
	assert.True(t, src.closed.Load())
	assert.False(t, p.acquire())
}

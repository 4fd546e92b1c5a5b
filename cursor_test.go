package rewind

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openStrings(t *testing.T, lib *Library, data ...string) CursorProvider[string] {
	t.Helper()
	p, err := OpenSlice(lib, data, ProviderOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func mustCursor[T any](t *testing.T, p CursorProvider[T]) Cursor[T] {
	t.Helper()
	c, err := p.OpenCursor()
	require.NoError(t, err)
	return c
}

func TestCursorsAreIndependent(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openStrings(t, lib, "1", "2")

	a := mustCursor(t, p)
	b := mustCursor(t, p)

	v, err := a.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", v, "a second cursor starts at the beginning")
	v, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	assert.False(t, b.HasNext())

	assert.True(t, a.HasNext())
	v, err = a.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	_, err = a.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)
	assert.EqualValues(t, 2, a.Position())
}

func TestCursorTinyIncrements(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p, err := OpenSlice(lib, []string{"1", "2"}, ProviderOptions{Buffer: testConfig(1, 1, 10)})
	require.NoError(t, err)
	defer p.Close()
	c := mustCursor(t, p)

	for _, want := range []string{"1", "2"} {
		v, err := c.Next()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)

	size, err := c.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	require.NoError(t, c.Seek(size+100))
	assert.False(t, c.HasNext())
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)
}

func TestCursorRewind(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openStrings(t, lib, "a", "b", "c", "d")
	c := mustCursor(t, p)

	var first []string
	for c.HasNext() {
		v, err := c.Next()
		require.NoError(t, err)
		first = append(first, v)
	}

	require.NoError(t, c.Seek(0))
	second := make([]string, 10)
	n, err := c.Read(second)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second[:n]); diff != "" {
		t.Errorf("reread mismatch (-first +second):\n%s", diff)
	}
	_, err = c.Read(second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCursorRandomAccess(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openStrings(t, lib, "a", "b", "c", "d", "e")
	c := mustCursor(t, p)

	size, err := c.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
	assert.Zero(t, c.Position(), "Size does not move the cursor")

	require.NoError(t, c.Seek(size-2))
	dst := make([]string, 2)
	n, err := c.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, dst[:n])
	assert.False(t, c.HasNext())
}

func TestCursorSeekIsLazy(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	data := intsUpTo(1000)
	src := newCountingSource(data)
	p, err := Open[int](lib, src, ProviderOptions{Buffer: testConfig(16, 16, 2048)})
	require.NoError(t, err)
	defer p.Close()
	c := mustCursor(t, p)

	require.NoError(t, c.Seek(int64(len(data)-2)))
	assert.EqualValues(t, len(data)-2, c.Position())
	assert.Zero(t, src.pulled.Load(), "seeking must not touch the source")

	dst := make([]int, 2)
	n, err := c.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-2:], dst[:n])
	assert.EqualValues(t, len(data), c.Position())
}

func TestCursorSeekPastEnd(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openStrings(t, lib, "a", "b")
	c := mustCursor(t, p)

	require.NoError(t, c.Seek(10))
	assert.EqualValues(t, 10, c.Position())
	assert.False(t, c.HasNext())

	_, err := c.Next()
	assert.ErrorIs(t, err, ErrNoSuchElement)
	_, err = c.Read(make([]string, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, c.Seek(-1), ErrInvalidPosition)
	assert.EqualValues(t, 10, c.Position())
}

func TestCursorClose(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p := openStrings(t, lib, "a", "b")
	a := mustCursor(t, p)
	b := mustCursor(t, p)
	assert.Equal(t, 2, p.OpenCursors())
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.True(t, a.IsClosed())
	assert.Equal(t, 1, p.OpenCursors())

	_, err := a.Next()
	assert.ErrorIs(t, err, ErrCursorClosed)
	assert.ErrorIs(t, a.Seek(0), ErrCursorClosed)
	assert.False(t, a.HasNext())

	v, err := b.Next()
	require.NoError(t, err, "closing one cursor leaves the others alone")
	assert.Equal(t, "a", v)
}

func TestByteCursorIsReader(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	data := testBytes(10000)
	p, err := OpenBytes(lib, bytes.NewReader(data), ProviderOptions{
		Buffer: BufferConfig{InitialCapacity: 512, GrowthIncrement: 1024, MaxCapacity: 1 << 20, ReadAhead: 256},
	})
	require.NoError(t, err)
	defer p.Close()

	c := mustCursor(t, p)
	var r io.Reader = c
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, c.Seek(5000))
	part := make([]byte, 100)
	_, err = io.ReadFull(c, part)
	require.NoError(t, err)
	assert.Equal(t, data[5000:5100], part)
}

func TestCursorPartialReadThenCapacityError(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p, err := OpenBytes(lib, bytes.NewReader(testBytes(10)), ProviderOptions{Buffer: testConfig(4, 4, 8)})
	require.NoError(t, err)
	defer p.Close()
	c := mustCursor(t, p)

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err, "available data comes first")
	assert.Equal(t, 8, n)

	_, err = c.Read(buf)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.False(t, c.HasNext())

	// Other cursors still see the materialized prefix.
	other := mustCursor(t, p)
	v, err := other.Next()
	require.NoError(t, err)
	assert.Equal(t, byte('a'), v)

	_, err = other.Size()
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestCursorNextSurfacesSourceFailure(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	p, err := Open[int](lib, failingSource(2), ProviderOptions{Buffer: testConfig(4, 4, 16)})
	require.NoError(t, err)
	defer p.Close()
	c := mustCursor(t, p)

	for i := 0; i < 2; i++ {
		v, err := c.Next()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err = c.Next()
	assert.ErrorIs(t, err, ErrSourceFailure)
	assert.True(t, errors.Is(err, errBroken))
}

func TestCursorsConcurrent(t *testing.T) {
	lib := newTestLibrary(t, LibraryOptions{})
	data := intsUpTo(20000)
	src := newCountingSource(data)
	p, err := Open[int](lib, src, ProviderOptions{Buffer: testConfig(128, 512, 1<<16)})
	require.NoError(t, err)
	defer p.Close()

	var g errgroup.Group
	for worker := 0; worker < 8; worker++ {
		c := mustCursor(t, p)
		g.Go(func() error {
			defer c.Close()
			if worker%2 == 0 {
				for i := 0; c.HasNext(); i++ {
					v, err := c.Next()
					if err != nil {
						return err
					}
					if v != i {
						return errors.New("Next returned an element out of order")
					}
				}
				return nil
			}
			buf := make([]int, 3+worker*11)
			var got []int
			for {
				n, err := c.Read(buf)
				got = append(got, buf[:n]...)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
			}
			if !cmp.Equal(data, got) {
				return errors.New("Read returned different data")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, len(data), src.pulled.Load())
	assert.Zero(t, p.OpenCursors())
}

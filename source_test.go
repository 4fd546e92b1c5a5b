package rewind

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]int{1, 2, 3})

	size, ok := src.KnownSize()
	if !ok || size != 3 {
		t.Errorf("KnownSize = %d, %v, want 3, true", size, ok)
	}

	buf := make([]int, 2)
	n, err := src.Pull(buf)
	if n != 2 || err != nil {
		t.Fatalf("Pull = %d, %v", n, err)
	}
	n, err = src.Pull(buf)
	if n != 1 || err != nil || buf[0] != 3 {
		t.Fatalf("Pull = %d, %v (buf %v)", n, err, buf)
	}
	if _, err = src.Pull(buf); err != io.EOF {
		t.Errorf("Pull at end = %v, want io.EOF", err)
	}
}

func TestSeqSource(t *testing.T) {
	stopped := false
	src := NewSeqSource(func(yield func(string) bool) {
		defer func() { stopped = true }()
		for _, s := range []string{"a", "b", "c", "d"} {
			if !yield(s) {
				return
			}
		}
	})

	buf := make([]string, 3)
	n, err := src.Pull(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, buf[:n])

	require.NoError(t, src.Close())
	assert.True(t, stopped, "Close should stop the iterator")
}

func TestSeqSourceEOF(t *testing.T) {
	src := NewSeqSource(slices.Values([]int{7, 8}))
	buf := make([]int, 5)
	n, err := src.Pull(buf)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []int{7, 8}, buf[:n])
}

func TestFuncSourceError(t *testing.T) {
	src := failingSource(2)
	buf := make([]int, 5)
	n, err := src.Pull(buf)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, errBroken)
}

func TestReaderSourceKnownSize(t *testing.T) {
	t.Run("strings.Reader", func(t *testing.T) {
		src := NewReaderSource(strings.NewReader("hello"))
		size, ok := src.KnownSize()
		assert.True(t, ok)
		assert.EqualValues(t, 5, size)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.bin")
		require.NoError(t, os.WriteFile(path, testBytes(100), 0644))
		f, err := os.Open(path)
		require.NoError(t, err)

		_, err = f.Seek(40, io.SeekStart)
		require.NoError(t, err)

		src := NewReaderSource(f)
		size, ok := src.KnownSize()
		assert.True(t, ok)
		assert.EqualValues(t, 60, size, "size should exclude bytes before the current offset")
		require.NoError(t, src.Close())
	})

	t.Run("plain reader", func(t *testing.T) {
		src := NewReaderSource(io.LimitReader(strings.NewReader("hello"), 3))
		_, ok := src.KnownSize()
		assert.False(t, ok)
		assert.NoError(t, src.Close())
	})
}

func TestSourceConsumerEOFWithData(t *testing.T) {
	c := newSourceConsumer[int](NewSeqSource(slices.Values([]int{1, 2})))

	buf := make([]int, 4)
	n, err := c.pull(buf)
	if n != 2 || err != nil {
		t.Fatalf("pull = %d, %v, want 2, nil", n, err)
	}
	if !c.isExhausted() {
		t.Error("consumer should be exhausted after a short read with io.EOF")
	}
	if n, err = c.pull(buf); n != 0 || err != io.EOF {
		t.Errorf("pull after exhaustion = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestSourceConsumerStickyFailure(t *testing.T) {
	c := newSourceConsumer[int](failingSource(3))

	buf := make([]int, 10)
	n, err := c.pull(buf)
	assert.Equal(t, 3, n)
	require.ErrorIs(t, err, ErrSourceFailure)
	assert.ErrorIs(t, err, errBroken)

	var serr *SourceError
	require.True(t, errors.As(err, &serr))
	assert.EqualValues(t, 3, serr.Offset)

	n, again := c.pull(buf)
	assert.Zero(t, n)
	assert.Same(t, serr, again.(*SourceError), "failure should be sticky")
}

func TestSourceConsumerNoProgress(t *testing.T) {
	calls := 0
	c := newSourceConsumer[int](stallingSource{calls: &calls})

	_, err := c.pull(make([]int, 4))
	assert.ErrorIs(t, err, io.ErrNoProgress)
	assert.ErrorIs(t, err, ErrSourceFailure)
	assert.Equal(t, maxEmptyPulls+1, calls)
}

// stallingSource never makes progress.
type stallingSource struct {
	calls *int
}

func (s stallingSource) Pull([]int) (int, error) {
	*s.calls++
	return 0, nil
}

func TestSourceConsumerClose(t *testing.T) {
	src := newCountingSource([]int{1})
	c := newSourceConsumer[int](src)
	require.NoError(t, c.close())
	assert.True(t, src.closed.Load())

	// Sources without Close are fine.
	assert.NoError(t, newSourceConsumer[int](NewSliceSource([]int{1})).close())
}

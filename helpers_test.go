package rewind

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// newTestLibrary creates a Library that logs to the test and is closed when
// the test ends.
func newTestLibrary(t *testing.T, opts LibraryOptions) *Library {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	lib, err := Init(opts)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		lib.Close(context.Background())
	})
	return lib
}

func intsUpTo(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func testBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%26)
	}
	return out
}

// countingSource serves data and records every element handed out.
type countingSource[T any] struct {
	data   []T
	pos    int
	pulls  atomic.Int64
	pulled atomic.Int64
	closed atomic.Bool
}

func newCountingSource[T any](data []T) *countingSource[T] {
	return &countingSource[T]{data: data}
}

func (s *countingSource[T]) Pull(dst []T) (int, error) {
	s.pulls.Add(1)
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(dst, s.data[s.pos:])
	s.pos += n
	s.pulled.Add(int64(n))
	return n, nil
}

func (s *countingSource[T]) Close() error {
	s.closed.Store(true)
	return nil
}

var errBroken = errors.New("broken pipe")

// failingSource serves failAt elements of an increasing sequence, then fails.
func failingSource(failAt int) FuncSource[int] {
	i := 0
	return func() (int, bool, error) {
		if i == failAt {
			return 0, false, errBroken
		}
		i++
		return i - 1, true, nil
	}
}

// closeErrSource fails its Close.
type closeErrSource struct {
	*SliceSource[int]
	err error
}

func (s closeErrSource) Close() error { return s.err }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

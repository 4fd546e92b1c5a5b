package rewind

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Strategy selects how a provider buffers its source.
type Strategy int

const (
	// StrategyInMemory keeps every materialized element in memory, bounded by
	// MaxCapacity. Crossing it fails the read with ErrCapacityExceeded.
	StrategyInMemory Strategy = iota

	// StrategyFileSpill behaves like StrategyInMemory up to MaxCapacity and
	// then appends to a temporary file. Byte sources only.
	StrategyFileSpill

	// StrategyPassThrough does no buffering: one forward-only cursor reads
	// the source directly.
	StrategyPassThrough
)

func (s Strategy) String() string {
	switch s {
	case StrategyInMemory:
		return "in-memory"
	case StrategyFileSpill:
		return "file-spill"
	case StrategyPassThrough:
		return "pass-through"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses the names produced by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "in-memory", "memory", "":
		return StrategyInMemory, nil
	case "file-spill", "spill", "file":
		return StrategyFileSpill, nil
	case "pass-through", "passthrough", "none":
		return StrategyPassThrough, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, name)
}

// ProviderOptions configures a provider.
type ProviderOptions struct {
	Strategy Strategy

	// Buffer sizes the buffer. The zero value selects DefaultByteBufferConfig
	// for byte sources and DefaultBufferConfig otherwise.
	Buffer BufferConfig

	// Pooled draws regions from the library's shared byte pool. Byte
	// sources only.
	Pooled bool

	// Name labels the provider in diagnostics and leak reports.
	Name string
}

// CursorProvider owns one source and mints cursors over it.
type CursorProvider[T any] interface {
	// OpenCursor creates and registers a new cursor at position 0.
	OpenCursor() (Cursor[T], error)

	// Close closes every open cursor and releases the buffered data.
	Close() error

	IsClosed() bool
	ID() string
	Strategy() Strategy

	// OpenCursors returns the number of cursors currently open.
	OpenCursors() int
}

// Open creates a provider over src using the strategy in opts.
func Open[T any](lib *Library, src Source[T], opts ProviderOptions) (CursorProvider[T], error) {
	return open(lib, src, opts, callerSite(1))
}

// OpenBytes creates a provider over a byte stream. The reader is closed with
// the provider if it is an io.Closer.
func OpenBytes(lib *Library, r io.Reader, opts ProviderOptions) (CursorProvider[byte], error) {
	if r == nil {
		return nil, ErrNoSource
	}
	return open[byte](lib, NewReaderSource(r), opts, callerSite(1))
}

// OpenSlice creates a provider over the elements of data.
func OpenSlice[T any](lib *Library, data []T, opts ProviderOptions) (CursorProvider[T], error) {
	return open[T](lib, NewSliceSource(data), opts, callerSite(1))
}

// OpenSeq creates a provider over an iterator. The iterator is stopped when
// the provider closes.
func OpenSeq[T any](lib *Library, seq iter.Seq[T], opts ProviderOptions) (CursorProvider[T], error) {
	if seq == nil {
		return nil, ErrNoSource
	}
	return open[T](lib, NewSeqSource(seq), opts, callerSite(1))
}

func open[T any](lib *Library, src Source[T], opts ProviderOptions, site string) (CursorProvider[T], error) {
	if lib == nil {
		return nil, errors.New("rewind: nil library")
	}
	if lib.closed.Load() {
		return nil, ErrLibraryClosed
	}
	if src == nil {
		return nil, ErrNoSource
	}

	var (
		p   CursorProvider[T]
		err error
	)
	switch opts.Strategy {
	case StrategyInMemory, StrategyFileSpill:
		p, err = newBufferedProvider(lib, src, opts, site)
	case StrategyPassThrough:
		p, err = newPassThroughProvider(lib, src, opts, site)
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, opts.Strategy)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProviderStats describes a provider's current state.
type ProviderStats struct {
	ID          string
	Name        string
	Strategy    Strategy
	OpenCursors int
	Closed      bool
	Buffer      BufferStats
}

// BufferedProvider implements the in-memory and file-spill strategies. All
// of its cursors share one Buffer.
type BufferedProvider[T any] struct {
	id       string
	name     string
	lib      *Library
	strategy Strategy
	buffer   *Buffer[T]
	logger   *zap.Logger

	mu      sync.Mutex
	cursors map[string]*bufferedCursor[T]
	closed  atomic.Bool
}

func newBufferedProvider[T any](lib *Library, src Source[T], opts ProviderOptions, site string) (*BufferedProvider[T], error) {
	id := uuid.NewString()
	logger := lib.logger.With(
		zap.String("provider_id", id),
		zap.Stringer("strategy", opts.Strategy))

	config := opts.Buffer
	if config == (BufferConfig{}) {
		config = DefaultBufferConfig()
		if _, isBytes := any(src).(Source[byte]); isBytes {
			config = DefaultByteBufferConfig()
		}
	}

	var alloc Allocator[T] = SimpleAllocator[T]{}
	if opts.Pooled {
		pooled, ok := any(lib.bytePool).(Allocator[T])
		if !ok {
			return nil, fmt.Errorf("%w: pooling is only available for byte sources", ErrNotSupported)
		}
		alloc = pooled
	}

	var overflow Overflow[T]
	if opts.Strategy == StrategyFileSpill {
		ov, ok := any(newFileOverflow(lib.spillFS, lib.spillPath, "rewind-*.spill", logger)).(Overflow[T])
		if !ok {
			return nil, fmt.Errorf("%w: file spill is only available for byte sources", ErrNotSupported)
		}
		overflow = ov
	}

	buffer, err := newBuffer(src, bufferOptions[T]{
		config:    config,
		allocator: alloc,
		overflow:  overflow,
		strategy:  opts.Strategy,
		logger:    logger,
		metrics:   lib.metrics,
	})
	if err != nil {
		return nil, err
	}

	p := &BufferedProvider[T]{
		id:       id,
		name:     opts.Name,
		lib:      lib,
		strategy: opts.Strategy,
		buffer:   buffer,
		logger:   logger.With(zap.String("component", "provider")),
		cursors:  make(map[string]*bufferedCursor[T]),
	}

	if err := lib.registry.trackProvider(Resource{
		ID:       id,
		Kind:     KindProvider,
		Strategy: opts.Strategy,
		Name:     opts.Name,
		CallSite: site,
	}, p); err != nil {
		buffer.discard()
		return nil, err
	}
	lib.metrics.providerOpened(opts.Strategy)
	p.logger.Debug("provider opened",
		zap.String("call_site", site),
		zap.Int64("initial_capacity", config.InitialCapacity),
		zap.Int64("max_capacity", config.MaxCapacity))
	return p, nil
}

func (p *BufferedProvider[T]) ID() string { return p.id }

func (p *BufferedProvider[T]) Strategy() Strategy { return p.strategy }

func (p *BufferedProvider[T]) IsClosed() bool { return p.closed.Load() }

// Buffer returns the shared buffer.
func (p *BufferedProvider[T]) Buffer() *Buffer[T] { return p.buffer }

func (p *BufferedProvider[T]) OpenCursor() (Cursor[T], error) {
	site := callerSite(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}

	c := newBufferedCursor(uuid.NewString(), p)
	p.cursors[c.id] = c
	p.lib.registry.trackCursor(p.id, c.id, site)
	p.lib.metrics.cursorOpened()
	return c, nil
}

func (p *BufferedProvider[T]) OpenCursors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cursors)
}

// releaseCursor deregisters a cursor that closed itself.
func (p *BufferedProvider[T]) releaseCursor(c *bufferedCursor[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cursors[c.id]; !ok {
		return
	}
	delete(p.cursors, c.id)
	p.lib.registry.untrackCursor(p.id, c.id)
	p.lib.metrics.cursorClosed()
}

func (p *BufferedProvider[T]) Close() error {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil
	}
	p.closed.Store(true)
	cursors := p.cursors
	p.cursors = make(map[string]*bufferedCursor[T])
	p.mu.Unlock()

	for _, c := range cursors {
		c.invalidate()
		p.lib.registry.untrackCursor(p.id, c.id)
		p.lib.metrics.cursorClosed()
	}

	err := p.buffer.Close()
	p.lib.registry.untrackProvider(p.id)
	p.lib.metrics.providerClosed(p.strategy)
	p.logger.Debug("provider closed",
		zap.Int("cursors_closed", len(cursors)),
		zap.Int64("materialized", p.buffer.Materialized()))
	return err
}

// Stats returns a snapshot of the provider state.
func (p *BufferedProvider[T]) Stats() ProviderStats {
	return ProviderStats{
		ID:          p.id,
		Name:        p.name,
		Strategy:    p.strategy,
		OpenCursors: p.OpenCursors(),
		Closed:      p.IsClosed(),
		Buffer:      p.buffer.Stats(),
	}
}

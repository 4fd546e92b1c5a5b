package rewind

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BufferConfig sizes a growable buffer. Units are elements (bytes for byte
// buffers).
type BufferConfig struct {
	// InitialCapacity is the size of the first region, allocated up front.
	InitialCapacity int64 `yaml:"initial_capacity" json:"initial_capacity"`

	// GrowthIncrement is the size of every further region. Zero makes the
	// buffer fixed-size after the initial allocation.
	GrowthIncrement int64 `yaml:"growth_increment" json:"growth_increment"`

	// MaxCapacity bounds the in-memory size. For spilling buffers it is the
	// threshold after which data goes to the spill file.
	MaxCapacity int64 `yaml:"max_capacity" json:"max_capacity"`

	// ReadAhead is the minimum number of elements pulled from the source per
	// miss (0 = pull exactly what the read needs).
	ReadAhead int64 `yaml:"read_ahead" json:"read_ahead"`
}

// DefaultBufferConfig returns defaults suited to object sources.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		InitialCapacity: 256,
		GrowthIncrement: 256,
		MaxCapacity:     1 << 20,
	}
}

// DefaultByteBufferConfig returns defaults suited to byte streams.
func DefaultByteBufferConfig() BufferConfig {
	return BufferConfig{
		InitialCapacity: 64 << 10,
		GrowthIncrement: 256 << 10,
		MaxCapacity:     64 << 20,
		ReadAhead:       32 << 10,
	}
}

// Validate checks 0 < InitialCapacity <= MaxCapacity and non-negative
// increment and read-ahead.
func (c BufferConfig) Validate() error {
	switch {
	case c.InitialCapacity <= 0:
		return fmt.Errorf("%w: initial capacity %d must be positive", ErrInvalidConfig, c.InitialCapacity)
	case c.InitialCapacity > c.MaxCapacity:
		return fmt.Errorf("%w: initial capacity %d exceeds max capacity %d", ErrInvalidConfig, c.InitialCapacity, c.MaxCapacity)
	case c.GrowthIncrement < 0:
		return fmt.Errorf("%w: negative growth increment %d", ErrInvalidConfig, c.GrowthIncrement)
	case c.ReadAhead < 0:
		return fmt.Errorf("%w: negative read-ahead %d", ErrInvalidConfig, c.ReadAhead)
	}
	return nil
}

// Count is a materialized element count and whether it is final.
type Count struct {
	Value    int64
	Complete bool // true once the source is exhausted
}

// BufferStats describes a buffer's current state.
type BufferStats struct {
	Materialized   int64 // elements pulled so far
	Complete       bool  // source exhausted
	Regions        int   // in-memory regions
	MemoryCapacity int64 // elements of allocated in-memory storage
	Spilled        int64 // elements stored in the overflow
	Failed         bool  // a capacity, source or spill failure stopped growth
}

type segment[T any] struct {
	start int64
	data  []T
}

// Buffer materializes a one-pass source on demand. Elements below the
// watermark are immutable and readable without locking; growth is
// serialized by a single mutex. A Buffer is safe for concurrent use.
type Buffer[T any] struct {
	config   BufferConfig
	alloc    Allocator[T]
	overflow Overflow[T]
	src      *sourceConsumer[T]
	strategy Strategy
	logger   *zap.Logger
	metrics  *Metrics

	declared    int64
	hasDeclared bool

	watermark atomic.Int64
	exhausted atomic.Bool
	segments  atomic.Pointer[[]segment[T]]
	failure   atomic.Pointer[error]

	// Guarded by fillMu.
	fillMu   sync.Mutex
	fillErr  error
	spilling bool
	scratch  []T

	refs   atomic.Int64
	closed atomic.Bool
}

type bufferOptions[T any] struct {
	config    BufferConfig
	allocator Allocator[T]
	overflow  Overflow[T]
	strategy  Strategy
	logger    *zap.Logger
	metrics   *Metrics
}

// NewBuffer creates a standalone in-memory buffer over src. A nil allocator
// means SimpleAllocator.
func NewBuffer[T any](src Source[T], config BufferConfig, alloc Allocator[T]) (*Buffer[T], error) {
	return newBuffer(src, bufferOptions[T]{config: config, allocator: alloc})
}

func newBuffer[T any](src Source[T], opts bufferOptions[T]) (*Buffer[T], error) {
	if src == nil {
		return nil, ErrNoSource
	}
	if err := opts.config.Validate(); err != nil {
		return nil, err
	}
	if opts.allocator == nil {
		opts.allocator = SimpleAllocator[T]{}
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}

	b := &Buffer[T]{
		config:   opts.config,
		alloc:    opts.allocator,
		overflow: opts.overflow,
		src:      newSourceConsumer(src),
		strategy: opts.strategy,
		logger:   opts.logger.With(zap.String("component", "buffer")),
		metrics:  opts.metrics,
	}
	b.declared, b.hasDeclared = b.src.knownSize()

	segs := []segment[T]{{start: 0, data: b.alloc.Allocate(int(opts.config.InitialCapacity))}}
	b.segments.Store(&segs)
	b.refs.Store(1)
	return b, nil
}

// Config returns the buffer's configuration.
func (b *Buffer[T]) Config() BufferConfig { return b.config }

// Materialized returns the number of elements pulled from the source so far.
func (b *Buffer[T]) Materialized() int64 { return b.watermark.Load() }

// Exhausted reports whether the source has been fully consumed.
func (b *Buffer[T]) Exhausted() bool { return b.exhausted.Load() }

// Count returns the materialized count and whether it is final.
func (b *Buffer[T]) Count() Count {
	// Load exhausted first: if it is set, the watermark is already final.
	complete := b.exhausted.Load()
	return Count{Value: b.watermark.Load(), Complete: complete}
}

// SizeIfKnown returns the total element count once the source is exhausted,
// or the size the source declared up front. ok is false otherwise.
func (b *Buffer[T]) SizeIfKnown() (size int64, ok bool) {
	if b.exhausted.Load() {
		return b.watermark.Load(), true
	}
	if b.hasDeclared {
		return b.declared, true
	}
	return 0, false
}

// Err returns the failure that stopped growth, if any.
func (b *Buffer[T]) Err() error {
	if p := b.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns a snapshot of the buffer state.
func (b *Buffer[T]) Stats() BufferStats {
	c := b.Count()
	stats := BufferStats{
		Materialized: c.Value,
		Complete:     c.Complete,
		Failed:       b.failure.Load() != nil,
	}
	if segs := b.segments.Load(); segs != nil {
		stats.Regions = len(*segs)
		for _, s := range *segs {
			stats.MemoryCapacity += int64(len(s.data))
		}
	}
	if b.overflow != nil {
		stats.Spilled = b.overflow.Size()
	}
	return stats
}

// EnsureMaterialized pulls from the source until upTo elements are
// materialized or the source is exhausted, and returns the new count.
// Reaching the end of the source is not an error; crossing MaxCapacity is
// (ErrCapacityExceeded), as is a failing source. Failures are sticky, but
// elements materialized before them stay readable.
func (b *Buffer[T]) EnsureMaterialized(upTo int64) (int64, error) {
	if !b.acquire() {
		return 0, ErrProviderClosed
	}
	defer b.unref()
	return b.ensure(upTo)
}

func (b *Buffer[T]) ensure(upTo int64) (int64, error) {
	if w := b.watermark.Load(); w >= upTo || b.exhausted.Load() {
		return w, nil
	}

	b.fillMu.Lock()
	defer b.fillMu.Unlock()

	for {
		// Another cursor may have grown the buffer while we waited.
		w := b.watermark.Load()
		if w >= upTo || b.exhausted.Load() {
			return w, nil
		}
		if b.fillErr != nil {
			return w, b.fillErr
		}
		if err := b.fill(w, upTo); err != nil {
			b.fail(err)
			return b.watermark.Load(), err
		}
	}
}

// fill performs one pull. Caller holds fillMu.
func (b *Buffer[T]) fill(w, upTo int64) error {
	if b.spilling {
		return b.spill(w, upTo)
	}

	segs := *b.segments.Load()
	last := segs[len(segs)-1]
	used := w - last.start
	if used == int64(len(last.data)) {
		next, ok := b.grow(segs)
		if !ok {
			if b.overflow != nil {
				b.spilling = true
				b.logger.Debug("memory threshold reached, spilling",
					zap.Int64("materialized", w),
					zap.Int64("threshold", b.config.MaxCapacity))
				return b.spill(w, upTo)
			}
			return b.checkExhausted(upTo)
		}
		last, used = next, 0
	}

	free := last.data[used:]
	free = free[:b.pullSize(len(free), upTo-w)]
	n, err := b.src.pull(free)
	b.advance(n)
	return b.pullErr(err)
}

// grow appends a region sized GrowthIncrement, clamped so the total never
// crosses MaxCapacity. ok is false when no region can be added.
func (b *Buffer[T]) grow(segs []segment[T]) (segment[T], bool) {
	last := segs[len(segs)-1]
	total := last.start + int64(len(last.data))
	size := b.config.GrowthIncrement
	if size == 0 || total >= b.config.MaxCapacity {
		return segment[T]{}, false
	}
	if total+size > b.config.MaxCapacity {
		size = b.config.MaxCapacity - total
	}

	seg := segment[T]{start: total, data: b.alloc.Allocate(int(size))}
	next := make([]segment[T], len(segs), len(segs)+1)
	copy(next, segs)
	next = append(next, seg)
	b.segments.Store(&next)

	b.metrics.grew(b.strategy)
	b.logger.Debug("buffer grown",
		zap.Int("regions", len(next)),
		zap.Int64("capacity", total+size))
	return seg, true
}

// checkExhausted checks whether a full, non-spilling buffer has seen the whole
// source. One more element means the source does not fit.
func (b *Buffer[T]) checkExhausted(upTo int64) error {
	_, ok, err := b.src.pullNext()
	if err != nil {
		return err
	}
	if !ok {
		b.markExhausted()
		return nil
	}
	return &CapacityError{Max: b.config.MaxCapacity, Requested: upTo}
}

// spill pulls the next chunk into the overflow. Caller holds fillMu.
func (b *Buffer[T]) spill(w, upTo int64) error {
	if b.scratch == nil {
		b.scratch = b.alloc.Allocate(int(b.spillChunk()))
	}
	buf := b.scratch[:b.pullSize(len(b.scratch), upTo-w)]
	n, err := b.src.pull(buf)
	if n > 0 {
		if serr := b.overflow.Append(buf[:n]); serr != nil {
			return serr
		}
		b.advance(n)
		b.metrics.spilled(n)
	}
	return b.pullErr(err)
}

func (b *Buffer[T]) spillChunk() int64 {
	return max(b.config.GrowthIncrement, b.config.ReadAhead, b.config.InitialCapacity)
}

// pullSize returns how many of avail free slots to hand to the source when
// need more elements are wanted.
func (b *Buffer[T]) pullSize(avail int, need int64) int {
	want := max(need, b.config.ReadAhead)
	if want < int64(avail) {
		return int(want)
	}
	return avail
}

func (b *Buffer[T]) advance(n int) {
	if n <= 0 {
		return
	}
	b.watermark.Add(int64(n))
	b.metrics.materialized(b.strategy, n)
	if b.src.isExhausted() {
		b.markExhausted()
	}
}

func (b *Buffer[T]) pullErr(err error) error {
	if errors.Is(err, io.EOF) {
		b.markExhausted()
		return nil
	}
	return err
}

func (b *Buffer[T]) markExhausted() {
	if b.exhausted.Swap(true) {
		return
	}
	b.logger.Debug("source exhausted", zap.Int64("size", b.watermark.Load()))
}

func (b *Buffer[T]) fail(err error) {
	b.fillErr = err
	b.failure.Store(&err)
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		b.metrics.capacityExceeded(b.strategy)
		b.logger.Warn("buffer capacity exceeded",
			zap.Int64("max_capacity", b.config.MaxCapacity),
			zap.Int64("materialized", b.watermark.Load()))
	case errors.Is(err, ErrSourceFailure):
		b.metrics.sourceFailed(b.strategy)
		b.logger.Warn("source failed", zap.Error(err))
	default:
		b.logger.Warn("buffer growth failed", zap.Error(err))
	}
}

// ReadAt copies materialized elements starting at off into dst. It never
// pulls from the source: off must be below the watermark (ErrNotReady
// otherwise). The returned count is short when dst reaches past the
// watermark.
func (b *Buffer[T]) ReadAt(dst []T, off int64) (int, error) {
	if !b.acquire() {
		return 0, ErrProviderClosed
	}
	defer b.unref()
	return b.readAt(dst, off)
}

// At returns the element at index i, which must be materialized.
func (b *Buffer[T]) At(i int64) (T, error) {
	var one [1]T
	_, err := b.ReadAt(one[:], i)
	return one[0], err
}

func (b *Buffer[T]) readAt(dst []T, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidPosition
	}
	if len(dst) == 0 {
		return 0, nil
	}
	w := b.watermark.Load()
	if off >= w {
		return 0, ErrNotReady
	}
	if avail := w - off; int64(len(dst)) > avail {
		dst = dst[:avail]
	}

	// The segment table is loaded after the watermark, so it covers every
	// index below w.
	segs := *b.segments.Load()
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].start+int64(len(segs[i].data)) > off
	})
	n := 0
	for ; i < len(segs) && n < len(dst); i++ {
		s := segs[i]
		n += copy(dst[n:], s.data[off+int64(n)-s.start:])
	}
	if n < len(dst) {
		last := segs[len(segs)-1]
		memEnd := last.start + int64(len(last.data))
		m, err := b.overflow.ReadAt(dst[n:], off+int64(n)-memEnd)
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (b *Buffer[T]) acquire() bool {
	if b.closed.Load() {
		return false
	}
	for {
		n := b.refs.Load()
		if n <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (b *Buffer[T]) unref() error {
	if b.refs.Add(-1) != 0 {
		return nil
	}
	err := b.release()
	if err != nil {
		b.logger.Warn("buffer release failed", zap.Error(err))
	}
	return err
}

// Close releases the buffer's regions, overflow and source. If reads are
// still in flight the release happens when the last one returns; Close does
// not wait for them. Later operations fail with ErrProviderClosed.
func (b *Buffer[T]) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.unref()
}

// IsClosed reports whether Close has been called.
func (b *Buffer[T]) IsClosed() bool { return b.closed.Load() }

// discard releases the regions of a buffer that never served a read. The
// source is left open; it still belongs to the caller.
func (b *Buffer[T]) discard() {
	b.closed.Store(true)
	b.refs.Store(0)
	empty := []segment[T]{}
	if segs := b.segments.Swap(&empty); segs != nil {
		for _, s := range *segs {
			b.alloc.Release(s.data)
		}
	}
}

func (b *Buffer[T]) release() error {
	b.fillMu.Lock()
	defer b.fillMu.Unlock()

	empty := []segment[T]{}
	if segs := b.segments.Swap(&empty); segs != nil {
		for _, s := range *segs {
			b.alloc.Release(s.data)
		}
	}
	if b.scratch != nil {
		b.alloc.Release(b.scratch)
		b.scratch = nil
	}

	var err error
	if b.overflow != nil {
		err = multierr.Append(err, b.overflow.Close())
	}
	return multierr.Append(err, b.src.close())
}

package rewind

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// skipChunk bounds the scratch space used to skip elements on forward seeks.
const skipChunk = 512

// PassThroughProvider hands its source out exactly once, either raw through
// Unwrap or behind a single forward-only cursor. Nothing is buffered.
type PassThroughProvider[T any] struct {
	id     string
	name   string
	lib    *Library
	src    *sourceConsumer[T]
	logger *zap.Logger

	declared    int64
	hasDeclared bool

	mu        sync.Mutex
	cursor    *passThroughCursor[T]
	handedOut bool
	closed    atomic.Bool

	// refs counts in-flight cursor calls plus one for the open provider.
	// The source is closed when it drops to zero.
	refs atomic.Int64
}

func newPassThroughProvider[T any](lib *Library, src Source[T], opts ProviderOptions, site string) (*PassThroughProvider[T], error) {
	id := uuid.NewString()
	p := &PassThroughProvider[T]{
		id:   id,
		name: opts.Name,
		lib:  lib,
		src:  newSourceConsumer(src),
		logger: lib.logger.With(
			zap.String("component", "provider"),
			zap.String("provider_id", id),
			zap.Stringer("strategy", StrategyPassThrough)),
	}
	p.declared, p.hasDeclared = p.src.knownSize()
	p.refs.Store(1)
	if err := lib.registry.trackProvider(Resource{
		ID:       id,
		Kind:     KindProvider,
		Strategy: StrategyPassThrough,
		Name:     opts.Name,
		CallSite: site,
	}, p); err != nil {
		return nil, err
	}
	lib.metrics.providerOpened(StrategyPassThrough)
	p.logger.Debug("provider opened", zap.String("call_site", site))
	return p, nil
}

func (p *PassThroughProvider[T]) ID() string { return p.id }

func (p *PassThroughProvider[T]) Strategy() Strategy { return StrategyPassThrough }

func (p *PassThroughProvider[T]) IsClosed() bool { return p.closed.Load() }

// OpenCursor returns the single cursor; later calls fail with
// ErrAlreadyConsumed.
func (p *PassThroughProvider[T]) OpenCursor() (Cursor[T], error) {
	site := callerSite(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.handedOut {
		return nil, ErrAlreadyConsumed
	}
	p.handedOut = true

	c := &passThroughCursor[T]{id: uuid.NewString(), provider: p}
	p.cursor = c
	p.lib.registry.trackCursor(p.id, c.id, site)
	p.lib.metrics.cursorOpened()
	return c, nil
}

// Unwrap returns the original source without cursor semantics. The provider
// keeps ownership: Close still closes the source.
func (p *PassThroughProvider[T]) Unwrap() (Source[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrProviderClosed
	}
	if p.handedOut {
		return nil, ErrAlreadyConsumed
	}
	p.handedOut = true
	return p.src.src, nil
}

func (p *PassThroughProvider[T]) OpenCursors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor != nil {
		return 1
	}
	return 0
}

func (p *PassThroughProvider[T]) releaseCursor(c *passThroughCursor[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor != c {
		return
	}
	p.cursor = nil
	p.lib.registry.untrackCursor(p.id, c.id)
	p.lib.metrics.cursorClosed()
}

func (p *PassThroughProvider[T]) Close() error {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil
	}
	p.closed.Store(true)
	c := p.cursor
	p.cursor = nil
	p.mu.Unlock()

	if c != nil {
		c.closed.Store(true)
		p.lib.registry.untrackCursor(p.id, c.id)
		p.lib.metrics.cursorClosed()
	}
	err := p.unref()
	p.lib.registry.untrackProvider(p.id)
	p.lib.metrics.providerClosed(StrategyPassThrough)
	p.logger.Debug("provider closed")
	return err
}

func (p *PassThroughProvider[T]) acquire() bool {
	if p.closed.Load() {
		return false
	}
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// unref drops a reference and closes the source after the last one, so a
// Close racing a pull never closes the source under it.
func (p *PassThroughProvider[T]) unref() error {
	if p.refs.Add(-1) != 0 {
		return nil
	}
	err := p.src.close()
	if err != nil {
		p.logger.Warn("closing source failed", zap.Error(err))
	}
	return err
}

// passThroughCursor reads straight from the source. HasNext needs one
// element of look-ahead, which is held in peeked.
type passThroughCursor[T any] struct {
	id       string
	provider *PassThroughProvider[T]
	position int64
	peeked   T
	hasPeek  bool
	closed   atomic.Bool
}

func (c *passThroughCursor[T]) ID() string { return c.id }

func (c *passThroughCursor[T]) Position() int64 { return c.position }

func (c *passThroughCursor[T]) IsClosed() bool { return c.closed.Load() }

func (c *passThroughCursor[T]) check() error {
	if c.provider.IsClosed() {
		return ErrProviderClosed
	}
	if c.closed.Load() {
		return ErrCursorClosed
	}
	return nil
}

// enter pins the source for one call; the caller must unref afterwards.
func (c *passThroughCursor[T]) enter() error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.provider.acquire() {
		return ErrProviderClosed
	}
	return nil
}

func (c *passThroughCursor[T]) Next() (T, error) {
	var zero T
	if err := c.enter(); err != nil {
		return zero, err
	}
	defer c.provider.unref()
	if c.hasPeek {
		v := c.peeked
		c.peeked, c.hasPeek = zero, false
		c.position++
		return v, nil
	}
	v, ok, err := c.provider.src.pullNext()
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNoSuchElement
	}
	c.position++
	return v, nil
}

func (c *passThroughCursor[T]) HasNext() bool {
	if c.enter() != nil {
		return false
	}
	defer c.provider.unref()
	if c.hasPeek {
		return true
	}
	v, ok, err := c.provider.src.pullNext()
	if err != nil || !ok {
		return false
	}
	c.peeked, c.hasPeek = v, true
	return true
}

func (c *passThroughCursor[T]) Read(dst []T) (int, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.provider.unref()
	if len(dst) == 0 {
		return 0, nil
	}

	n := 0
	if c.hasPeek {
		var zero T
		dst[0] = c.peeked
		c.peeked, c.hasPeek = zero, false
		n = 1
	}
	var err error
	if n < len(dst) {
		var m int
		m, err = c.provider.src.pull(dst[n:])
		n += m
	}
	c.position += int64(n)
	if n > 0 {
		// A source failure is sticky and surfaces on the next call.
		return n, nil
	}
	return 0, err
}

// Seek only moves forward, skipping elements by pulling them.
func (c *passThroughCursor[T]) Seek(pos int64) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.provider.unref()
	if pos < 0 {
		return ErrInvalidPosition
	}
	if pos < c.position {
		return ErrNotSeekable
	}

	if c.hasPeek && pos > c.position {
		var zero T
		c.peeked, c.hasPeek = zero, false
		c.position++
	}
	var scratch []T
	for c.position < pos {
		if scratch == nil {
			scratch = make([]T, min(pos-c.position, skipChunk))
		}
		k := min(pos-c.position, int64(len(scratch)))
		n, err := c.provider.src.pull(scratch[:k])
		c.position += int64(n)
		if errors.Is(err, io.EOF) {
			// Past the end; reads from here report the end of data.
			c.position = pos
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Size is only known when the source declared it.
func (c *passThroughCursor[T]) Size() (int64, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if c.provider.hasDeclared {
		return c.provider.declared, nil
	}
	return 0, ErrNotSupported
}

func (c *passThroughCursor[T]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.provider.releaseCursor(c)
	return nil
}

package rewind

import (
	"sync"
	"sync/atomic"
)

// DefaultPoolMaxIdle is the number of idle regions kept per region size.
const DefaultPoolMaxIdle = 16

// Allocator supplies the fixed-size backing regions of a Buffer.
type Allocator[T any] interface {
	// Allocate returns a region of length n.
	Allocate(n int) []T

	// Release hands a region back. The caller must not touch it afterwards.
	Release(region []T)
}

// SimpleAllocator allocates on demand and leaves released regions to the GC.
type SimpleAllocator[T any] struct{}

func (SimpleAllocator[T]) Allocate(n int) []T { return make([]T, n) }

func (SimpleAllocator[T]) Release([]T) {}

// PoolStats reports pooling allocator activity.
type PoolStats struct {
	Allocated int64 // regions created fresh
	Reused    int64 // regions served from the free list
	Released  int64 // regions handed back and kept
	Dropped   int64 // regions handed back while the free list was full
	Idle      int   // regions currently in the free lists
}

// PoolingAllocator recycles regions across buffers. Free lists are kept per
// region length and bounded, so an idle pool never holds more than
// maxIdle regions of any one size.
type PoolingAllocator[T any] struct {
	mu      sync.Mutex
	free    map[int][][]T
	maxIdle int

	allocated atomic.Int64
	reused    atomic.Int64
	released  atomic.Int64
	dropped   atomic.Int64

	onReuse func()
}

// NewPoolingAllocator creates a pool that keeps up to maxIdle idle regions
// per size. maxIdle <= 0 uses DefaultPoolMaxIdle.
func NewPoolingAllocator[T any](maxIdle int) *PoolingAllocator[T] {
	if maxIdle <= 0 {
		maxIdle = DefaultPoolMaxIdle
	}
	return &PoolingAllocator[T]{
		free:    make(map[int][][]T),
		maxIdle: maxIdle,
	}
}

func (p *PoolingAllocator[T]) Allocate(n int) []T {
	p.mu.Lock()
	list := p.free[n]
	if k := len(list); k > 0 {
		region := list[k-1]
		list[k-1] = nil
		p.free[n] = list[:k-1]
		p.mu.Unlock()
		p.reused.Add(1)
		if p.onReuse != nil {
			p.onReuse()
		}
		return region
	}
	p.mu.Unlock()
	p.allocated.Add(1)
	return make([]T, n)
}

func (p *PoolingAllocator[T]) Release(region []T) {
	if len(region) == 0 {
		return
	}
	region = region[:cap(region)]
	// Drop references so pooled object regions don't pin garbage.
	clear(region)

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(region)
	if len(p.free[n]) >= p.maxIdle {
		p.dropped.Add(1)
		return
	}
	p.free[n] = append(p.free[n], region)
	p.released.Add(1)
}

// Stats returns a snapshot of the pool counters.
func (p *PoolingAllocator[T]) Stats() PoolStats {
	p.mu.Lock()
	idle := 0
	for _, list := range p.free {
		idle += len(list)
	}
	p.mu.Unlock()
	return PoolStats{
		Allocated: p.allocated.Load(),
		Reused:    p.reused.Load(),
		Released:  p.released.Load(),
		Dropped:   p.dropped.Load(),
		Idle:      idle,
	}
}

// Purge drops every idle region.
func (p *PoolingAllocator[T]) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.free)
}

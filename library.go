package rewind

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LibraryOptions configures a Library.
type LibraryOptions struct {
	// SpillPath is the directory for spill files. Empty uses os.TempDir().
	SpillPath string

	// SpillFS is a custom file layer for spill files. Nil uses the local
	// file system.
	SpillFS SpillFS

	// Logger receives structured logs. Nil disables logging.
	Logger *zap.Logger

	// Registerer receives the Prometheus collectors. Nil disables metrics.
	Registerer prometheus.Registerer

	// MetricsNamespace prefixes metric names (default "rewind").
	MetricsNamespace string

	// LeakSink receives leak reports. Nil logs them at Warn level.
	LeakSink LeakSink

	// TrackStacks records the full stack of every opened provider and cursor.
	TrackStacks bool

	// PoolMaxIdle bounds idle regions per size in the shared byte pool.
	PoolMaxIdle int

	// Clock replaces time.Now in the tracking registry.
	Clock func() time.Time
}

// Library is the context every provider is created in. It owns the
// tracking registry, the shared byte region pool and the spill location,
// and is safe for concurrent use. Independent libraries share nothing.
type Library struct {
	spillPath string
	spillFS   SpillFS
	logger    *zap.Logger
	metrics   *Metrics
	registry  *Registry
	bytePool  *PoolingAllocator[byte]

	closed atomic.Bool
}

// Init creates a Library.
func Init(options LibraryOptions) (*Library, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lib := &Library{
		spillPath: options.SpillPath,
		spillFS:   options.SpillFS,
		logger:    logger,
		bytePool:  NewPoolingAllocator[byte](options.PoolMaxIdle),
	}
	if lib.spillFS == nil {
		lib.spillFS = &localSpillFS{}
	}

	if options.Registerer != nil {
		m, err := NewMetrics(options.Registerer, options.MetricsNamespace)
		if err != nil {
			return nil, err
		}
		lib.metrics = m
		lib.bytePool.onReuse = m.poolReuse
	}

	sink := options.LeakSink
	if sink == nil {
		sink = zapLeakSink{logger: logger.With(zap.String("component", "leaks"))}
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	lib.registry = newRegistry(sink, clock, options.TrackStacks, logger, lib.metrics)

	return lib, nil
}

// Registry returns the library's tracking registry.
func (lib *Library) Registry() *Registry { return lib.registry }

// BytePool returns the region pool shared by pooled byte providers.
func (lib *Library) BytePool() *PoolingAllocator[byte] { return lib.bytePool }

// SpillPath returns the configured spill directory ("" means os.TempDir()).
func (lib *Library) SpillPath() string { return lib.spillPath }

// IsClosed reports whether Close has been called.
func (lib *Library) IsClosed() bool { return lib.closed.Load() }

// Close stops new providers from being opened and closes every provider
// that is still open, reporting each as a leak.
func (lib *Library) Close(ctx context.Context) error {
	if !lib.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := lib.registry.Shutdown(ctx)
	lib.bytePool.Purge()
	return err
}

package rewind

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ResourceKind distinguishes tracked providers from tracked cursors.
type ResourceKind int

const (
	KindProvider ResourceKind = iota
	KindCursor
)

func (k ResourceKind) String() string {
	if k == KindCursor {
		return "cursor"
	}
	return "provider"
}

// Resource is the diagnostic record of an open provider or cursor.
type Resource struct {
	ID          string
	Kind        ResourceKind
	ProviderID  string // owning provider, for cursors
	Strategy    Strategy
	Name        string
	CallSite    string // function and file:line that opened the resource
	Stack       string // full stack, only with LibraryOptions.TrackStacks
	OpenedAt    time.Time
	OpenCursors []string // cursor IDs, for providers
}

// Leak is a resource reported as open past its expected lifetime.
type Leak struct {
	Resource
	Age time.Duration
}

// LeakSink receives leak reports.
type LeakSink interface {
	Report(leak Leak)
}

// LeakSinkFunc adapts a function to LeakSink.
type LeakSinkFunc func(Leak)

func (f LeakSinkFunc) Report(leak Leak) { f(leak) }

// zapLeakSink logs leak reports.
type zapLeakSink struct {
	logger *zap.Logger
}

func (s zapLeakSink) Report(leak Leak) {
	fields := []zap.Field{
		zap.Stringer("kind", leak.Kind),
		zap.String("id", leak.ID),
		zap.Stringer("strategy", leak.Strategy),
		zap.String("call_site", leak.CallSite),
		zap.Duration("age", leak.Age),
	}
	if leak.Name != "" {
		fields = append(fields, zap.String("name", leak.Name))
	}
	if leak.ProviderID != "" {
		fields = append(fields, zap.String("provider_id", leak.ProviderID))
	}
	if len(leak.OpenCursors) > 0 {
		fields = append(fields, zap.Strings("open_cursors", leak.OpenCursors))
	}
	if leak.Stack != "" {
		fields = append(fields, zap.String("stack", leak.Stack))
	}
	s.logger.Warn("resource leaked", fields...)
}

type providerEntry struct {
	res     Resource
	owner   io.Closer
	cursors map[string]*Resource
}

// Registry keeps track of the open providers and cursors of one Library,
// for leak diagnostics and shutdown cleanup. It never takes part in reads.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry
	closed    bool // set by Shutdown; no providers are accepted afterwards

	sink        LeakSink
	now         func() time.Time
	trackStacks bool
	logger      *zap.Logger
	metrics     *Metrics
}

func newRegistry(sink LeakSink, now func() time.Time, trackStacks bool, logger *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		providers:   make(map[string]*providerEntry),
		sink:        sink,
		now:         now,
		trackStacks: trackStacks,
		logger:      logger.With(zap.String("component", "registry")),
		metrics:     metrics,
	}
}

func (r *Registry) stamp(res *Resource) {
	res.OpenedAt = r.now()
	if r.trackStacks {
		res.Stack = string(debug.Stack())
	}
}

// trackProvider records an opened provider. owner is closed by Shutdown.
// It fails with ErrLibraryClosed once Shutdown has started.
func (r *Registry) trackProvider(res Resource, owner io.Closer) error {
	r.stamp(&res)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrLibraryClosed
	}
	r.providers[res.ID] = &providerEntry{
		res:     res,
		owner:   owner,
		cursors: make(map[string]*Resource),
	}
	return nil
}

func (r *Registry) untrackProvider(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

func (r *Registry) trackCursor(providerID, cursorID, site string) {
	res := Resource{ID: cursorID, Kind: KindCursor, ProviderID: providerID, CallSite: site}
	r.stamp(&res)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.providers[providerID]
	if !ok {
		return
	}
	res.Strategy = entry.res.Strategy
	res.Name = entry.res.Name
	entry.cursors[cursorID] = &res
}

func (r *Registry) untrackCursor(providerID, cursorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.providers[providerID]; ok {
		delete(entry.cursors, cursorID)
	}
}

// snapshot returns a copy of a provider record with its cursor list filled.
// Caller holds r.mu.
func (e *providerEntry) snapshot() Resource {
	res := e.res
	res.OpenCursors = make([]string, 0, len(e.cursors))
	for id := range e.cursors {
		res.OpenCursors = append(res.OpenCursors, id)
	}
	sort.Strings(res.OpenCursors)
	return res
}

// Open returns every open provider and cursor, oldest first.
func (r *Registry) Open() []Resource {
	r.mu.RLock()
	var out []Resource
	for _, entry := range r.providers {
		out = append(out, entry.snapshot())
		for _, c := range entry.cursors {
			out = append(out, *c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns the record of an open provider or cursor.
func (r *Registry) Lookup(id string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.providers[id]; ok {
		return entry.snapshot(), true
	}
	for _, entry := range r.providers {
		if c, ok := entry.cursors[id]; ok {
			return *c, true
		}
	}
	return Resource{}, false
}

// Counts returns the number of open providers and cursors.
func (r *Registry) Counts() (providers, cursors int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.providers {
		cursors += len(entry.cursors)
	}
	return len(r.providers), cursors
}

// Leaks returns the resources that have been open for at least olderThan.
func (r *Registry) Leaks(olderThan time.Duration) []Resource {
	now := r.now()
	var out []Resource
	for _, res := range r.Open() {
		if now.Sub(res.OpenedAt) >= olderThan {
			out = append(out, res)
		}
	}
	return out
}

// ReportLeaks publishes every resource open for at least olderThan to the
// leak sink and returns how many were reported.
func (r *Registry) ReportLeaks(olderThan time.Duration) int {
	now := r.now()
	leaks := r.Leaks(olderThan)
	for _, res := range leaks {
		r.sink.Report(Leak{Resource: res, Age: now.Sub(res.OpenedAt)})
	}
	r.metrics.leaked(len(leaks))
	return len(leaks)
}

// Shutdown stops the registry from accepting providers, then reports every
// still-open provider as a leak and closes it. It is best effort: close
// errors are collected and returned together, and a done context stops the
// sweep early.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := make([]*providerEntry, 0, len(r.providers))
	for _, entry := range r.providers {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	r.logger.Info("closing leaked providers", zap.Int("count", len(entries)))

	now := r.now()
	var errs error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		r.mu.RLock()
		res := entry.snapshot()
		r.mu.RUnlock()

		r.sink.Report(Leak{Resource: res, Age: now.Sub(res.OpenedAt)})
		r.metrics.leaked(1)
		if err := entry.owner.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("closing provider %s: %w", res.ID, err))
		}
	}
	return errs
}

// callerSite describes the caller skip frames above its own caller.
func callerSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s (%s:%d)", name, filepath.Base(file), line)
}

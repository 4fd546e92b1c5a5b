package rewind

// LibraryStats summarizes every open provider of a Library.
type LibraryStats struct {
	OpenProviders  int
	OpenCursors    int
	Materialized   int64 // elements held by open buffered providers
	MemoryCapacity int64 // elements of allocated in-memory storage
	Spilled        int64 // elements held in spill files
	Pool           PoolStats
}

// statsReporter is implemented by providers that buffer.
type statsReporter interface {
	Stats() ProviderStats
}

// Stats returns usage across all open providers of the library.
func (lib *Library) Stats() LibraryStats {
	var stats LibraryStats
	stats.OpenProviders, stats.OpenCursors = lib.registry.Counts()

	for _, p := range lib.ProviderStats() {
		stats.Materialized += p.Buffer.Materialized
		stats.MemoryCapacity += p.Buffer.MemoryCapacity
		stats.Spilled += p.Buffer.Spilled
	}
	stats.Pool = lib.bytePool.Stats()
	return stats
}

// ProviderStats returns the stats of every open buffered provider.
func (lib *Library) ProviderStats() []ProviderStats {
	r := lib.registry
	r.mu.RLock()
	owners := make([]statsReporter, 0, len(r.providers))
	for _, entry := range r.providers {
		if sr, ok := entry.owner.(statsReporter); ok {
			owners = append(owners, sr)
		}
	}
	r.mu.RUnlock()

	out := make([]ProviderStats, 0, len(owners))
	for _, sr := range owners {
		out = append(out, sr.Stats())
	}
	return out
}

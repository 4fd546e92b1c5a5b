// rewind-bench measures how the buffering strategies behave on a large
// generated file: sequential reads, concurrent cursors and random seeks.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/phroun/rewind"
)

// BenchConfig can be loaded from a YAML file with --config.
type BenchConfig struct {
	FileSize   int64               `yaml:"file_size"`
	Cursors    int                 `yaml:"cursors"`
	ReadSize   int                 `yaml:"read_size"`
	Seeks      int                 `yaml:"seeks"`
	Pooled     bool                `yaml:"pooled"`
	Strategies []string            `yaml:"strategies"`
	Buffer     rewind.BufferConfig `yaml:"buffer"`
}

func defaultConfig() BenchConfig {
	return BenchConfig{
		FileSize:   256 << 20,
		Cursors:    8,
		ReadSize:   64 << 10,
		Seeks:      10000,
		Strategies: []string{"in-memory", "file-spill", "pass-through"},
		Buffer: rewind.BufferConfig{
			InitialCapacity: 1 << 20,
			GrowthIncrement: 4 << 20,
			MaxCapacity:     64 << 20,
			ReadAhead:       256 << 10,
		},
	}
}

type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Bytes    int64
	Extra    string
}

func (r BenchResult) String() string {
	s := fmt.Sprintf("%-44s %12v", r.Name, r.Duration.Round(time.Millisecond))
	if r.Ops > 0 {
		s += fmt.Sprintf("  (%d ops, %.2f ops/sec)", r.Ops, float64(r.Ops)/r.Duration.Seconds())
	}
	if r.Bytes > 0 && r.Duration > 0 {
		s += fmt.Sprintf("  %s/s", humanize.IBytes(uint64(float64(r.Bytes)/r.Duration.Seconds())))
	}
	if r.Extra != "" {
		s += "  " + r.Extra
	}
	return s
}

func errResult(name string, err error) BenchResult {
	return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
}

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "YAML benchmark configuration")
		fileSize   = flag.Int64("size", 0, "generated file size in bytes (overrides config)")
		cursors    = flag.Int("cursors", 0, "concurrent cursors (overrides config)")
		pooled     = flag.Bool("pooled", false, "draw buffer regions from the shared pool")
		verbose    = flag.BoolP("verbose", "v", false, "log buffer activity")
	)
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			fmt.Printf("Failed to read config: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			fmt.Printf("Failed to parse config: %v\n", err)
			os.Exit(1)
		}
	}
	if *fileSize > 0 {
		cfg.FileSize = *fileSize
	}
	if *cursors > 0 {
		cfg.Cursors = *cursors
	}
	cfg.Pooled = cfg.Pooled || *pooled
	if cfg.ReadSize <= 0 || cfg.Cursors <= 0 || cfg.FileSize <= 0 {
		fmt.Println("file_size, cursors and read_size must be positive")
		os.Exit(1)
	}
	if err := cfg.Buffer.Validate(); err != nil {
		fmt.Printf("Invalid buffer config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	fmt.Println("rewind Benchmark")
	fmt.Println("================")
	fmt.Printf("File size:  %s\n", humanize.IBytes(uint64(cfg.FileSize)))
	fmt.Printf("Buffer:     initial %s, increment %s, max %s, read-ahead %s\n",
		humanize.IBytes(uint64(cfg.Buffer.InitialCapacity)),
		humanize.IBytes(uint64(cfg.Buffer.GrowthIncrement)),
		humanize.IBytes(uint64(cfg.Buffer.MaxCapacity)),
		humanize.IBytes(uint64(cfg.Buffer.ReadAhead)))
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "rewind-bench-*")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	testFile := filepath.Join(tmpDir, "input.txt")
	var results []BenchResult

	fmt.Println("Generating test file...")
	result := generateTestFile(testFile, cfg.FileSize)
	results = append(results, result)
	fmt.Println(result)
	fmt.Println()

	lib, err := rewind.Init(rewind.LibraryOptions{
		SpillPath: filepath.Join(tmpDir, "spill"),
		Logger:    logger,
	})
	if err != nil {
		fmt.Printf("Failed to init library: %v\n", err)
		os.Exit(1)
	}

	runBench := func(name string, fn func(name string) BenchResult) {
		fmt.Printf("  %-44s ", name+"...")
		result := fn(name)
		if result.Extra != "" && result.Duration == 0 {
			fmt.Println(result.Extra)
		} else {
			fmt.Printf("%v\n", result.Duration.Round(time.Millisecond))
		}
		results = append(results, result)
	}

	for _, name := range cfg.Strategies {
		strategy, err := rewind.ParseStrategy(name)
		if err != nil {
			fmt.Printf("Skipping %q: %v\n", name, err)
			continue
		}
		opts := rewind.ProviderOptions{Strategy: strategy, Buffer: cfg.Buffer, Pooled: cfg.Pooled, Name: name}
		if strategy == rewind.StrategyInMemory && opts.Buffer.MaxCapacity < cfg.FileSize {
			// Keep the whole file in memory rather than benchmarking the failure.
			opts.Buffer.MaxCapacity = cfg.FileSize
		}

		fmt.Printf("%s:\n", strategy)
		runBench(fmt.Sprintf("Sequential read (%s)", strategy), func(n string) BenchResult {
			return benchSequential(lib, testFile, opts, cfg, n)
		})
		if strategy == rewind.StrategyPassThrough {
			fmt.Println()
			continue
		}
		runBench(fmt.Sprintf("Concurrent cursors x%d (%s)", cfg.Cursors, strategy), func(n string) BenchResult {
			return benchConcurrent(lib, testFile, opts, cfg, n)
		})
		runBench(fmt.Sprintf("Random seeks (%s)", strategy), func(n string) BenchResult {
			return benchSeeks(lib, testFile, opts, cfg, n)
		})
		fmt.Println()
	}

	stats := lib.Stats()
	if err := lib.Close(context.Background()); err != nil {
		fmt.Printf("Library close: %v\n", err)
	}

	fmt.Println("=======")
	fmt.Println("SUMMARY")
	fmt.Println("=======")
	for _, r := range results {
		fmt.Println(r)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Println()
	fmt.Printf("Pool: %d fresh regions, %d reused\n", stats.Pool.Allocated, stats.Pool.Reused)
	fmt.Printf("Peak heap allocation: %s\n", humanize.IBytes(m.HeapSys))
	fmt.Printf("Total allocations: %s\n", humanize.IBytes(m.TotalAlloc))
}

func generateTestFile(path string, size int64) BenchResult {
	start := time.Now()

	f, err := os.Create(path)
	if err != nil {
		return errResult("Generate test file", err)
	}
	defer f.Close()

	lineNum := 1
	written := int64(0)
	buf := make([]byte, 0, 4<<20)
	for written < size {
		buf = buf[:0]
		for len(buf) < cap(buf)-128 {
			buf = fmt.Appendf(buf, "%08d: ", lineNum)
			for i := 0; i < 60+lineNum%40; i++ {
				buf = append(buf, 'a'+byte((lineNum+i)%26))
			}
			buf = append(buf, '\n')
			lineNum++
		}
		chunk := buf
		if remaining := size - written; int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := f.Write(chunk)
		written += int64(n)
		if err != nil {
			return errResult("Generate test file", err)
		}
	}

	return BenchResult{
		Name:     "Generate test file",
		Duration: time.Since(start),
		Bytes:    written,
		Extra:    fmt.Sprintf("%d lines", lineNum-1),
	}
}

func openFile(lib *rewind.Library, path string, opts rewind.ProviderOptions) (rewind.CursorProvider[byte], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p, err := rewind.OpenBytes(lib, f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// drain reads r to the end in chunks of size bytes.
func drain(r io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	var total int64
	for {
		n, err := r.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func benchSequential(lib *rewind.Library, path string, opts rewind.ProviderOptions, cfg BenchConfig, name string) BenchResult {
	p, err := openFile(lib, path, opts)
	if err != nil {
		return errResult(name, err)
	}
	defer p.Close()

	start := time.Now()
	c, err := p.OpenCursor()
	if err != nil {
		return errResult(name, err)
	}
	n, err := drain(c, cfg.ReadSize)
	if err != nil {
		return errResult(name, err)
	}
	return BenchResult{Name: name, Duration: time.Since(start), Bytes: n}
}

func benchConcurrent(lib *rewind.Library, path string, opts rewind.ProviderOptions, cfg BenchConfig, name string) BenchResult {
	p, err := openFile(lib, path, opts)
	if err != nil {
		return errResult(name, err)
	}
	defer p.Close()

	start := time.Now()
	var g errgroup.Group
	totals := make([]int64, cfg.Cursors)
	for i := range totals {
		c, err := p.OpenCursor()
		if err != nil {
			return errResult(name, err)
		}
		g.Go(func() error {
			defer c.Close()
			// Stagger read sizes so cursors race each other at the watermark.
			n, err := drain(c, cfg.ReadSize/(i+1)+1)
			totals[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errResult(name, err)
	}

	var total int64
	for _, n := range totals {
		total += n
	}
	if total != int64(cfg.Cursors)*cfg.FileSize {
		return errResult(name, errors.New("cursors read different amounts of data"))
	}
	return BenchResult{Name: name, Duration: time.Since(start), Bytes: total}
}

func benchSeeks(lib *rewind.Library, path string, opts rewind.ProviderOptions, cfg BenchConfig, name string) BenchResult {
	p, err := openFile(lib, path, opts)
	if err != nil {
		return errResult(name, err)
	}
	defer p.Close()

	c, err := p.OpenCursor()
	if err != nil {
		return errResult(name, err)
	}
	size, err := c.Size()
	if err != nil {
		return errResult(name, err)
	}

	if size == 0 {
		return errResult(name, errors.New("empty input"))
	}

	start := time.Now()
	buf := make([]byte, 4096)
	var read int64
	for i := 0; i < cfg.Seeks; i++ {
		if err := c.Seek(rand.Int64N(size)); err != nil {
			return errResult(name, err)
		}
		n, err := c.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return errResult(name, err)
		}
		read += int64(n)
	}
	return BenchResult{
		Name:     name,
		Duration: time.Since(start),
		Ops:      cfg.Seeks,
		Bytes:    read,
		Extra:    fmt.Sprintf("%s materialized up front", humanize.IBytes(uint64(size))),
	}
}

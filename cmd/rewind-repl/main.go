// rewind-repl is an interactive shell for poking at providers and cursors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/phroun/rewind"
)

// REPL holds the state of the interactive session.
type REPL struct {
	lib      *rewind.Library
	opts     rewind.ProviderOptions
	provider rewind.CursorProvider[byte]
	cursors  []rewind.Cursor[byte]
	current  int
	liner    *liner.State
}

var commands = []string{
	"help", "quit", "exit", "open", "text", "close", "status", "cursor",
	"seek", "next", "read", "size", "save", "stats", "leaks",
}

func main() {
	var (
		strategy  = flag.StringP("strategy", "s", "in-memory", "buffering strategy: in-memory, file-spill, pass-through")
		initial   = flag.Int64("initial", 4<<10, "initial buffer capacity in bytes")
		increment = flag.Int64("increment", 4<<10, "buffer growth increment in bytes")
		maxCap    = flag.Int64("max", 1<<20, "maximum in-memory capacity in bytes")
		readAhead = flag.Int64("read-ahead", 4<<10, "minimum bytes pulled per miss")
		spillDir  = flag.String("spill-dir", "", "directory for spill files (default: system temp dir)")
		pooled    = flag.Bool("pooled", false, "draw buffer regions from the shared pool")
		verbose   = flag.BoolP("verbose", "v", false, "log buffer activity")
	)
	flag.Parse()

	s, err := rewind.ParseStrategy(*strategy)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	lib, err := rewind.Init(rewind.LibraryOptions{
		SpillPath: *spillDir,
		Logger:    logger,
	})
	if err != nil {
		fmt.Printf("Error initializing library: %v\n", err)
		os.Exit(1)
	}

	r := &REPL{
		lib: lib,
		opts: rewind.ProviderOptions{
			Strategy: s,
			Pooled:   *pooled,
			Buffer: rewind.BufferConfig{
				InitialCapacity: *initial,
				GrowthIncrement: *increment,
				MaxCapacity:     *maxCap,
				ReadAhead:       *readAhead,
			},
		},
	}
	if err := r.opts.Buffer.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := r.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	r.closeProvider()
	if err := lib.Close(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rewind_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	fmt.Printf("rewind REPL (strategy=%v)\n", r.opts.Strategy)
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("rewind> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		if !r.handleCommand(line) {
			return nil
		}
	}
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) handleCommand(input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help":
		r.printHelp()
	case "quit", "exit":
		fmt.Println("Goodbye!")
		return false
	case "open":
		r.cmdOpen(args)
	case "text":
		r.cmdText(strings.TrimSpace(strings.TrimPrefix(input, parts[0])))
	case "close":
		r.cmdClose()
	case "status":
		r.cmdStatus()
	case "cursor":
		r.cmdCursor(args)
	case "seek":
		r.cmdSeek(args)
	case "next":
		r.cmdNext(args)
	case "read":
		r.cmdRead(args)
	case "size":
		r.cmdSize()
	case "save":
		r.cmdSave(args)
	case "stats":
		r.cmdStats()
	case "leaks":
		r.cmdLeaks(args)
	default:
		fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", cmd)
	}
	return true
}

func (r *REPL) printHelp() {
	help := `
Available Commands:
-------------------

PROVIDERS:
  open <filepath>         Open a file as a one-pass byte stream
  text <content>          Open a provider over literal text
  close                   Close the current provider (and all its cursors)
  status                  Show provider and buffer state

CURSORS:
  cursor                  Show the current cursor
  cursor new              Open another cursor and switch to it
  cursor list             List open cursors
  cursor use <n>          Switch to cursor n
  cursor close <n>        Close cursor n
  seek <pos>              Move the current cursor
  next [count]            Read elements one at a time with Next
  read <length>           Read up to length bytes
  size                    Consume the source and print its size
  save <path>             Atomically write the rest of the cursor to a file

DIAGNOSTICS:
  stats                   Library-wide usage
  leaks [age]             Resources open longer than age (default 0s)

OTHER:
  help                    Show this help message
  quit, exit              Exit the REPL
`
	fmt.Println(help)
}

func (r *REPL) closeProvider() {
	if r.provider == nil {
		return
	}
	if err := r.provider.Close(); err != nil {
		fmt.Printf("Error closing provider: %v\n", err)
	}
	r.provider = nil
	r.cursors = nil
	r.current = 0
}

func (r *REPL) adopt(p rewind.CursorProvider[byte], what string) {
	r.closeProvider()
	r.provider = p
	c, err := p.OpenCursor()
	if err != nil {
		fmt.Printf("Error opening cursor: %v\n", err)
		return
	}
	r.cursors = []rewind.Cursor[byte]{c}
	fmt.Printf("Opened %s provider %s over %s\n", p.Strategy(), p.ID(), what)
}

func (r *REPL) cmdOpen(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: open <filepath>")
		return
	}
	f, err := os.Open(args[0])
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		return
	}
	p, err := rewind.OpenBytes(r.lib, f, r.withName(args[0]))
	if err != nil {
		f.Close()
		fmt.Printf("Error creating provider: %v\n", err)
		return
	}
	r.adopt(p, args[0])
}

func (r *REPL) cmdText(content string) {
	p, err := rewind.OpenBytes(r.lib, strings.NewReader(content), r.withName("text"))
	if err != nil {
		fmt.Printf("Error creating provider: %v\n", err)
		return
	}
	r.adopt(p, fmt.Sprintf("%d bytes of text", len(content)))
}

func (r *REPL) withName(name string) rewind.ProviderOptions {
	opts := r.opts
	opts.Name = name
	return opts
}

func (r *REPL) cmdClose() {
	if r.provider == nil {
		fmt.Println("No provider is open")
		return
	}
	r.closeProvider()
	fmt.Println("Provider closed")
}

func (r *REPL) ensureCursor() rewind.Cursor[byte] {
	if r.provider == nil {
		fmt.Println("No provider is open. Use 'open <file>' or 'text <content>'.")
		return nil
	}
	if r.current >= len(r.cursors) || r.cursors[r.current] == nil || r.cursors[r.current].IsClosed() {
		fmt.Println("Current cursor is closed. Use 'cursor new' or 'cursor use <n>'.")
		return nil
	}
	return r.cursors[r.current]
}

func (r *REPL) cmdStatus() {
	if r.provider == nil {
		fmt.Println("No provider is open.")
		return
	}
	fmt.Println("Provider Status:")
	fmt.Printf("  ID:           %s\n", r.provider.ID())
	fmt.Printf("  Strategy:     %v\n", r.provider.Strategy())
	fmt.Printf("  Open cursors: %d\n", r.provider.OpenCursors())

	bp, ok := r.provider.(*rewind.BufferedProvider[byte])
	if !ok {
		return
	}
	st := bp.Stats().Buffer
	fmt.Printf("  Materialized: %s (complete: %v)\n", humanize.IBytes(uint64(st.Materialized)), st.Complete)
	fmt.Printf("  Regions:      %d (%s allocated)\n", st.Regions, humanize.IBytes(uint64(st.MemoryCapacity)))
	if st.Spilled > 0 {
		fmt.Printf("  Spilled:      %s\n", humanize.IBytes(uint64(st.Spilled)))
	}
	if err := bp.Buffer().Err(); err != nil {
		fmt.Printf("  Failure:      %v\n", err)
	}
}

func (r *REPL) cmdCursor(args []string) {
	if r.provider == nil {
		fmt.Println("No provider is open.")
		return
	}
	if len(args) == 0 {
		if c := r.ensureCursor(); c != nil {
			fmt.Printf("Cursor %d (%s) at position %d\n", r.current, c.ID(), c.Position())
		}
		return
	}

	switch strings.ToLower(args[0]) {
	case "new":
		c, err := r.provider.OpenCursor()
		if err != nil {
			fmt.Printf("Error opening cursor: %v\n", err)
			return
		}
		r.cursors = append(r.cursors, c)
		r.current = len(r.cursors) - 1
		fmt.Printf("Opened cursor %d (%s)\n", r.current, c.ID())

	case "list":
		for i, c := range r.cursors {
			marker := " "
			if i == r.current {
				marker = "*"
			}
			state := "open"
			if c.IsClosed() {
				state = "closed"
			}
			fmt.Printf("%s %d  %s  position=%d  %s\n", marker, i, c.ID(), c.Position(), state)
		}

	case "use", "close":
		if len(args) < 2 {
			fmt.Printf("Usage: cursor %s <n>\n", args[0])
			return
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 || n >= len(r.cursors) {
			fmt.Printf("No cursor %s\n", args[1])
			return
		}
		if strings.ToLower(args[0]) == "use" {
			r.current = n
			fmt.Printf("Using cursor %d\n", n)
			return
		}
		r.cursors[n].Close()
		fmt.Printf("Cursor %d closed\n", n)

	default:
		fmt.Println("Usage: cursor [new|list|use <n>|close <n>]")
	}
}

func (r *REPL) cmdSeek(args []string) {
	c := r.ensureCursor()
	if c == nil {
		return
	}
	if len(args) != 1 {
		fmt.Println("Usage: seek <pos>")
		return
	}
	pos, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid position: %v\n", err)
		return
	}
	if err := c.Seek(pos); err != nil {
		fmt.Printf("Seek error: %v\n", err)
		return
	}
	fmt.Printf("Cursor moved to %d\n", c.Position())
}

func (r *REPL) cmdNext(args []string) {
	c := r.ensureCursor()
	if c == nil {
		return
	}
	count := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid count: %s\n", args[0])
			return
		}
		count = n
	}
	for i := 0; i < count; i++ {
		b, err := c.Next()
		if err != nil {
			fmt.Printf("Next error at %d: %v\n", c.Position(), err)
			return
		}
		fmt.Printf("%8d  0x%02x  %q\n", c.Position()-1, b, rune(b))
	}
}

func (r *REPL) cmdRead(args []string) {
	c := r.ensureCursor()
	if c == nil {
		return
	}
	if len(args) != 1 {
		fmt.Println("Usage: read <length>")
		return
	}
	length, err := strconv.Atoi(args[0])
	if err != nil || length <= 0 {
		fmt.Printf("Invalid length: %s\n", args[0])
		return
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(c, buf)
	if n > 0 {
		fmt.Printf("Read %d bytes: %q\n", n, buf[:n])
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Printf("Read error: %v\n", err)
	}
}

func (r *REPL) cmdSize() {
	c := r.ensureCursor()
	if c == nil {
		return
	}
	size, err := c.Size()
	if err != nil {
		fmt.Printf("Size error: %v (materialized %d)\n", err, size)
		return
	}
	fmt.Printf("Size: %d (%s)\n", size, humanize.IBytes(uint64(size)))
}

func (r *REPL) cmdSave(args []string) {
	c := r.ensureCursor()
	if c == nil {
		return
	}
	if len(args) != 1 {
		fmt.Println("Usage: save <path>")
		return
	}
	start := c.Position()
	if err := atomic.WriteFile(args[0], c); err != nil {
		fmt.Printf("Save error: %v\n", err)
		return
	}
	fmt.Printf("Saved %s to %s\n", humanize.IBytes(uint64(c.Position()-start)), args[0])
}

func (r *REPL) cmdStats() {
	st := r.lib.Stats()
	fmt.Println("Library Stats:")
	fmt.Printf("  Providers:    %d\n", st.OpenProviders)
	fmt.Printf("  Cursors:      %d\n", st.OpenCursors)
	fmt.Printf("  Materialized: %s\n", humanize.IBytes(uint64(st.Materialized)))
	fmt.Printf("  Allocated:    %s\n", humanize.IBytes(uint64(st.MemoryCapacity)))
	fmt.Printf("  Spilled:      %s\n", humanize.IBytes(uint64(st.Spilled)))
	fmt.Printf("  Pool:         %d fresh, %d reused, %d idle\n", st.Pool.Allocated, st.Pool.Reused, st.Pool.Idle)
}

func (r *REPL) cmdLeaks(args []string) {
	age := time.Duration(0)
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fmt.Printf("Invalid age: %v\n", err)
			return
		}
		age = d
	}
	leaks := r.lib.Registry().Leaks(age)
	if len(leaks) == 0 {
		fmt.Println("Nothing open that long")
		return
	}
	for _, res := range leaks {
		fmt.Printf("%-8s %s  opened %s  at %s\n",
			res.Kind, res.ID, humanize.Time(res.OpenedAt), res.CallSite)
	}
}

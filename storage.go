package rewind

import (
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SpillFile is an open spill file. *os.File satisfies it.
type SpillFile interface {
	io.Writer
	io.ReaderAt
	Name() string
	Close() error
}

// SpillFS abstracts the file operations used for spilling, so hosts can put
// spill files somewhere other than the local disk.
type SpillFS interface {
	MkdirAll(path string) error
	CreateTemp(dir, pattern string) (SpillFile, error)
	Remove(name string) error
}

// localSpillFS implements SpillFS for local files.
type localSpillFS struct{}

func (fs *localSpillFS) MkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func (fs *localSpillFS) CreateTemp(dir, pattern string) (SpillFile, error) {
	return os.CreateTemp(dir, pattern)
}

func (fs *localSpillFS) Remove(name string) error {
	return os.Remove(name)
}

// Overflow is storage that continues a buffer once its in-memory regions are
// full. Offsets are relative to the start of the overflow.
type Overflow[T any] interface {
	// Append stores src after everything appended so far.
	Append(src []T) error

	// ReadAt copies stored elements starting at off into dst.
	ReadAt(dst []T, off int64) (int, error)

	// Size returns the number of elements stored.
	Size() int64

	// Close releases the storage.
	Close() error
}

// fileOverflow spills bytes into a temporary file owned by one provider.
// The file is created on the first Append and removed on Close.
type fileOverflow struct {
	fs      SpillFS
	dir     string
	pattern string
	logger  *zap.Logger

	// Written under the buffer's fill lock; readers only see it through
	// the buffer's watermark.
	file SpillFile
	path string
	size atomic.Int64
}

func newFileOverflow(fs SpillFS, dir, pattern string, logger *zap.Logger) *fileOverflow {
	if dir == "" {
		dir = os.TempDir()
	}
	return &fileOverflow{fs: fs, dir: dir, pattern: pattern, logger: logger}
}

func (o *fileOverflow) open() error {
	if err := o.fs.MkdirAll(o.dir); err != nil {
		return &SpillError{Op: "mkdir", Path: o.dir, Err: err}
	}
	f, err := o.fs.CreateTemp(o.dir, o.pattern)
	if err != nil {
		return &SpillError{Op: "create", Path: o.dir, Err: err}
	}
	o.file = f
	o.path = f.Name()
	o.logger.Debug("spill file created", zap.String("path", o.path))
	return nil
}

func (o *fileOverflow) Append(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if o.file == nil {
		if err := o.open(); err != nil {
			return err
		}
	}
	n, err := o.file.Write(src)
	o.size.Add(int64(n))
	if err != nil {
		return &SpillError{Op: "write", Path: o.path, Err: err}
	}
	return nil
}

func (o *fileOverflow) ReadAt(dst []byte, off int64) (int, error) {
	if o.file == nil {
		return 0, &SpillError{Op: "read", Path: o.dir, Err: os.ErrNotExist}
	}
	n, err := o.file.ReadAt(dst, off)
	if n == len(dst) {
		return n, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return n, &SpillError{Op: "read", Path: o.path, Err: err}
}

func (o *fileOverflow) Size() int64 { return o.size.Load() }

// Path returns the spill file path, or "" before anything was spilled.
func (o *fileOverflow) Path() string { return o.path }

func (o *fileOverflow) Close() error {
	if o.file == nil {
		return nil
	}
	err := multierr.Append(o.file.Close(), o.fs.Remove(o.path))
	o.logger.Debug("spill file removed", zap.String("path", o.path), zap.Int64("bytes", o.size.Load()))
	o.file = nil
	if err != nil {
		return &SpillError{Op: "close", Path: o.path, Err: err}
	}
	return nil
}

// Package fileio provides the positioned-I/O abstraction shared by the
// database file, the WAL file, and the lock file. Every artifact is a single
// file descriptor; the pager and WAL hold reference-counted handles and may
// call into it from multiple goroutines.
package fileio

import (
	"io"
	"os"
	"sync"

	"github.com/sombra-db/sombra/internal/dberr"
)

// File is the I/O surface the engine consumes. Implementations must be safe
// for concurrent use.
type File interface {
	// ReadAt fills buf from the given offset. A read that hits EOF before
	// filling buf returns dberr.ErrShortRead so callers can treat the tail
	// as uninitialized data.
	ReadAt(off int64, buf []byte) error
	// WriteAt writes buf at the given offset.
	WriteAt(off int64, buf []byte) error
	// WritevAt writes the slices contiguously starting at off in one
	// logical operation.
	WritevAt(off int64, slices [][]byte) error
	// Sync flushes file contents to stable storage.
	Sync() error
	// Truncate resizes the file.
	Truncate(size int64) error
	// Len returns the current file length.
	Len() (int64, error)
	Close() error
}

// OSFile is the production implementation over *os.File.
type OSFile struct {
	mu sync.Mutex // serializes vectored writes; ReadAt/WriteAt are pread/pwrite
	f  *os.File
}

// Open opens or creates the file at path for read/write.
func Open(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberr.Io(err, "open %s", path)
	}
	return &OSFile{f: f}, nil
}

func (o *OSFile) ReadAt(off int64, buf []byte) error {
	n, err := o.f.ReadAt(buf, off)
	if err == io.EOF || (err == nil && n < len(buf)) {
		if n == len(buf) {
			return nil
		}
		return dberr.ErrShortRead
	}
	if err != nil {
		return dberr.Io(err, "read %d bytes at %d", len(buf), off)
	}
	return nil
}

func (o *OSFile) WriteAt(off int64, buf []byte) error {
	if _, err := o.f.WriteAt(buf, off); err != nil {
		return dberr.Io(err, "write %d bytes at %d", len(buf), off)
	}
	return nil
}

func (o *OSFile) WritevAt(off int64, slices [][]byte) error {
	// One contiguous pwrite per slice, serialized so concurrent vectored
	// writes cannot interleave. The offsets are computed up front so a
	// partial failure leaves a detectable hole rather than torn interior.
	o.mu.Lock()
	defer o.mu.Unlock()
	pos := off
	for _, s := range slices {
		if len(s) == 0 {
			continue
		}
		if _, err := o.f.WriteAt(s, pos); err != nil {
			return dberr.Io(err, "vectored write at %d", pos)
		}
		pos += int64(len(s))
	}
	return nil
}

func (o *OSFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return dberr.Io(err, "fsync")
	}
	return nil
}

func (o *OSFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return dberr.Io(err, "truncate to %d", size)
	}
	return nil
}

func (o *OSFile) Len() (int64, error) {
	st, err := o.f.Stat()
	if err != nil {
		return 0, dberr.Io(err, "stat")
	}
	return st.Size(), nil
}

func (o *OSFile) Close() error {
	if err := o.f.Close(); err != nil {
		return dberr.Io(err, "close")
	}
	return nil
}

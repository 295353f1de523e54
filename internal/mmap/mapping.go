package mmap

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
)

var (
	// ErrClosed is returned by every accessor after Close.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrOutOfBounds is returned for ranges outside the mapped file.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
)

// Hint tells the kernel how pages of a mapping will be read.
type Hint int

const (
	// HintNormal restores the default read-ahead.
	HintNormal Hint = iota
	// HintRandom disables read-ahead. Sealed pages are read by locator,
	// not in file order.
	HintRandom
	// HintWillNeed starts reading a range in the background.
	HintWillNeed
)

// Mapping is a read-only view of a whole file.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path. An empty file yields an empty mapping.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return &Mapping{}, nil
	}

	data, unmap, err := osMap(f, int(fi.Size()))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Close unmaps the file. Slices handed out before must not be used anymore.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.unmap == nil {
		return nil
	}
	return m.unmap(m.data)
}

// Bytes returns the whole mapping, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the file size.
func (m *Mapping) Size() int { return len(m.data) }

func (m *Mapping) check(off int64, n int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+int64(n) > int64(len(m.data)) {
		return ErrOutOfBounds
	}
	return nil
}

// Slice returns n bytes at off without copying. The capacity is clipped so
// that appending to the slice cannot write into the mapping.
func (m *Mapping) Slice(off int64, n int) ([]byte, error) {
	if err := m.check(off, n); err != nil {
		return nil, err
	}
	end := off + int64(n)
	return m.data[off:end:end], nil
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrOutOfBounds
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Advise applies h to the whole mapping.
func (m *Mapping) Advise(h Hint) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, h)
}

// Prefetch asks the kernel to read n bytes at off ahead of use, typically
// the byte span of a cluster. The range is widened to page boundaries.
func (m *Mapping) Prefetch(off int64, n int) error {
	if err := m.check(off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	start := off &^ int64(os.Getpagesize()-1)
	return osAdvise(m.data[start:off+int64(n)], HintWillNeed)
}

package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hupe1980/ntuple/internal/mmap"
	"github.com/hupe1980/ntuple/storage"
)

var (
	_ storage.SourceBackend  = (*Reader)(nil)
	_ storage.ZeroCopyReader = (*Reader)(nil)
)

// Reader reads a committed ntuple file through a read-only memory mapping.
// Sealed pages are handed to the source without copying.
type Reader struct {
	path string
	opts options

	mu sync.RWMutex
	m  *mmap.Mapping
}

// Open maps the file at path. It returns an error wrapping
// storage.ErrNoDataset if the file does not exist.
func Open(path string, opts ...Option) (*Reader, error) {
	o := applyOptions(opts)
	m, err := mmap.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", storage.ErrNoDataset, err)
		}
		return nil, err
	}
	if err := checkPreamble(m.Bytes()); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	_ = m.Advise(mmap.HintRandom)
	return &Reader{path: path, opts: o, m: m}, nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

func (r *Reader) mapping() (*mmap.Mapping, error) {
	if r.m == nil {
		return nil, storage.ErrClosed
	}
	return r.m, nil
}

// Attach reads the trailer, header, footer and page lists.
func (r *Reader) Attach(_ context.Context) (*storage.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.mapping()
	if err != nil {
		return nil, err
	}

	t, err := DecodeTrailer(m.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	slice := func(off uint64, n uint32) ([]byte, error) {
		b, err := m.Slice(int64(off), int(n))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrCorrupt, err)
		}
		return b, nil
	}
	desc, err := storage.ReadDescriptor(storage.DescriptorReader{
		Header: func() ([]byte, error) { return slice(t.HeaderOffset, t.HeaderSize) },
		Footer: func() ([]byte, error) { return slice(t.FooterOffset, t.FooterSize) },
		PageList: func(loc storage.Locator, _ uint64) ([]byte, error) {
			return slice(loc.Position, loc.Size)
		},
	})
	if err != nil {
		return nil, err
	}
	r.opts.logger.Debug("file attached", "path", r.path, "clusters", len(desc.Clusters), "bytes", m.Size())
	return desc, nil
}

// ReadV copies the requested ranges out of the mapping. The kernel is asked
// to read ahead the range covering all requests.
func (r *Reader) ReadV(_ context.Context, reqs []storage.ReadRequest) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.mapping()
	if err != nil {
		return err
	}
	if len(reqs) > 1 {
		lo, hi := reqs[0].Locator.Position, uint64(0)
		for _, req := range reqs {
			lo = min(lo, req.Locator.Position)
			hi = max(hi, req.Locator.Position+uint64(req.Locator.Size))
		}
		_ = m.Prefetch(int64(lo), int(hi-lo))
	}
	for _, req := range reqs {
		b, err := m.Slice(int64(req.Locator.Position), int(req.Locator.Size))
		if err != nil {
			return fmt.Errorf("read %s: %w", req.Locator, err)
		}
		copy(req.Buffer, b)
	}
	return nil
}

// MapBlob returns the mapped bytes at loc. They stay valid until Close.
func (r *Reader) MapBlob(loc storage.Locator) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.m == nil {
		return nil, false
	}
	b, err := r.m.Slice(int64(loc.Position), int(loc.Size))
	if err != nil {
		return nil, false
	}
	return b, true
}

// Clone maps the file again.
func (r *Reader) Clone() (storage.SourceBackend, error) {
	r.mu.RLock()
	closed := r.m == nil
	r.mu.RUnlock()
	if closed {
		return nil, storage.ErrClosed
	}
	m, err := mmap.Open(r.path)
	if err != nil {
		return nil, err
	}
	return &Reader{path: r.path, opts: r.opts, m: m}, nil
}

// Close unmaps the file.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		return nil
	}
	err := r.m.Close()
	r.m = nil
	return err
}

package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hupe1980/ntuple/internal/fs"
	"github.com/hupe1980/ntuple/storage"
)

const tmpSuffix = ".tmp"

var (
	_ storage.SinkBackend          = (*Writer)(nil)
	_ storage.SealedPageVCommitter = (*Writer)(nil)
	_ io.Closer                    = (*Writer)(nil)
)

// Writer writes an ntuple file. The file is written under a temporary name
// and renamed into place by CommitDataset, so readers never see a partial
// file.
type Writer struct {
	path   string
	fs     fs.FileSystem
	logger *slog.Logger

	mu        sync.Mutex
	f         fs.File
	offset    uint64
	cluster   bytes.Buffer
	trailer   Trailer
	published bool
}

// Option configures a Writer or Reader.
type Option func(*options)

type options struct {
	fs     fs.FileSystem
	logger *slog.Logger
}

// WithFileSystem sets the file system the Writer writes through.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fs = fsys
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		fs:     fs.Default,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewWriter returns a Writer for the file at path. Nothing is written before
// Create.
func NewWriter(path string, opts ...Option) *Writer {
	o := applyOptions(opts)
	return &Writer{path: path, fs: o.fs, logger: o.logger}
}

// Path returns the final file path.
func (w *Writer) Path() string { return w.path }

func (w *Writer) tmpPath() string { return w.path + tmpSuffix }

// Create opens the temporary file and writes the preamble and header.
func (w *Writer) Create(_ context.Context, header storage.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil || w.published {
		return fmt.Errorf("%w: file already created", storage.ErrInvalidState)
	}

	f, err := w.fs.Create(w.tmpPath())
	if err != nil {
		return err
	}
	w.f = f
	w.offset = 0

	if err := w.writeAt(encodePreamble()); err != nil {
		w.discard()
		return fmt.Errorf("write preamble: %w", err)
	}
	w.trailer.HeaderOffset = w.offset
	w.trailer.HeaderSize = uint32(len(header.Bytes))
	if err := w.writeAt(header.Bytes); err != nil {
		w.discard()
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// writeAt appends data at the current offset. On failure the file is cut
// back so that a retry writes to the same position.
func (w *Writer) writeAt(data []byte) error {
	if w.f == nil {
		return storage.ErrClosed
	}
	if _, err := w.f.Seek(int64(w.offset), io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(data); err != nil {
		_ = w.fs.Truncate(w.tmpPath(), int64(w.offset))
		return err
	}
	w.offset += uint64(len(data))
	return nil
}

func (w *Writer) discard() {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	_ = w.fs.Remove(w.tmpPath())
}

// CommitSealedPage stages the page of the open cluster.
func (w *Writer) CommitSealedPage(_ context.Context, _ storage.DescriptorID, sealed storage.SealedPage) (storage.Locator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return storage.Locator{}, storage.ErrClosed
	}
	return w.stage(sealed), nil
}

// CommitSealedPageV stages the pages of all groups in order.
func (w *Writer) CommitSealedPageV(_ context.Context, groups []storage.SealedPageGroup) ([]storage.Locator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil, storage.ErrClosed
	}
	var locs []storage.Locator
	for _, g := range groups {
		for _, p := range g.Pages {
			locs = append(locs, w.stage(p))
		}
	}
	return locs, nil
}

func (w *Writer) stage(sealed storage.SealedPage) storage.Locator {
	pos := w.offset + uint64(w.cluster.Len())
	w.cluster.Write(sealed.Bytes())
	return storage.Locator{Type: storage.LocatorFile, Position: pos, Size: sealed.Size}
}

// CommitCluster appends the staged pages to the file.
func (w *Writer) CommitCluster(_ context.Context, nEntries storage.NTupleSize) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := uint64(w.cluster.Len())
	if n == 0 {
		return 0, nil
	}
	if err := w.writeAt(w.cluster.Bytes()); err != nil {
		w.logger.Error("cluster write failed", "path", w.path, "offset", w.offset, "error", err)
		return 0, fmt.Errorf("write cluster: %w", err)
	}
	w.logger.Debug("cluster written", "path", w.path, "entries", nEntries, "bytes", n)
	w.cluster.Reset()
	return n, nil
}

// CommitClusterGroup appends a page list envelope.
func (w *Writer) CommitClusterGroup(_ context.Context, pageList storage.Envelope) (storage.Locator, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Pages left by a failed cluster commit are written at the positions
	// their locators name, so a retried CommitCluster stays valid.
	if w.cluster.Len() > 0 {
		if err := w.writeAt(w.cluster.Bytes()); err != nil {
			return storage.Locator{}, fmt.Errorf("write pending pages: %w", err)
		}
		w.cluster.Reset()
	}
	loc := storage.Locator{Type: storage.LocatorFile, Position: w.offset, Size: uint32(len(pageList.Bytes))}
	if err := w.writeAt(pageList.Bytes); err != nil {
		return storage.Locator{}, fmt.Errorf("write page list: %w", err)
	}
	return loc, nil
}

// CommitDataset appends the footer and trailer, syncs the file and renames
// it into place. Uncommitted pages are dropped.
func (w *Writer) CommitDataset(_ context.Context, footer storage.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f != nil {
		w.cluster.Reset()
		start := w.offset
		t := w.trailer
		t.FooterOffset = w.offset
		t.FooterSize = uint32(len(footer.Bytes))
		if err := w.writeAt(footer.Bytes); err != nil {
			return fmt.Errorf("write footer: %w", err)
		}
		if err := w.writeAt(t.Encode()); err != nil {
			w.offset = start
			_ = w.fs.Truncate(w.tmpPath(), int64(start))
			return fmt.Errorf("write trailer: %w", err)
		}
		if err := w.f.Sync(); err != nil {
			w.offset = start
			_ = w.fs.Truncate(w.tmpPath(), int64(start))
			return fmt.Errorf("sync: %w", err)
		}
		if err := w.f.Close(); err != nil {
			w.f = nil
			_ = w.fs.Remove(w.tmpPath())
			return fmt.Errorf("close: %w", err)
		}
		w.f = nil
	}
	if w.published {
		return nil
	}
	if err := w.fs.Rename(w.tmpPath(), w.path); err != nil {
		return fmt.Errorf("publish %s: %w", w.path, err)
	}
	w.published = true
	w.logger.Info("file published", "path", w.path, "bytes", w.offset)
	return nil
}

// Close abandons an uncommitted file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.published {
		return nil
	}
	if w.f == nil {
		err := w.fs.Remove(w.tmpPath())
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	w.logger.Warn("closing unpublished file", "path", w.path)
	w.discard()
	return nil
}

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/ntuple/blobstore"
	"github.com/hupe1980/ntuple/storage"
	"golang.org/x/sync/errgroup"
)

const (
	headerName  = "header"
	currentName = "CURRENT"

	// DefaultMaxGap is the largest hole between two pages of a cluster blob
	// that ReadV reads over instead of issuing a separate request.
	DefaultMaxGap = 64 * 1024
	// DefaultReadConcurrency bounds the parallel range reads of one ReadV.
	DefaultReadConcurrency = 8
)

// ErrExists is returned by Create when the ntuple already has a committed
// dataset. Purge removes it.
var ErrExists = errors.New("ntuple already exists")

var (
	_ storage.SinkBackend          = (*Backend)(nil)
	_ storage.SealedPageVCommitter = (*Backend)(nil)
	_ storage.SourceBackend        = (*Backend)(nil)
	_ storage.ZeroCopyReader       = (*Backend)(nil)
	_ storage.MetricsSetter        = (*Backend)(nil)
)

// Backend stores an ntuple as a set of blobs under "<name>/":
//
//	header              schema envelope
//	cluster-%08d        sealed pages of one cluster, written on CommitCluster
//	pagelist-%04d       page list envelope of one cluster group
//	footer-<uuid>       footer envelope of one dataset commit
//	CURRENT             base name of the committed footer
//
// The dataset becomes visible when CURRENT is written, so a writer that fails
// midway leaves the previous commit (or nothing) readable. With a
// s3.DDBCommitStore the CURRENT swap is a DynamoDB conditional write.
type Backend struct {
	store           blobstore.BlobStore
	name            string
	logger          *slog.Logger
	maxGap          uint64
	readConcurrency int

	mu        sync.Mutex
	cluster   bytes.Buffer
	nClusters uint64
	nGroups   uint64

	blobMu  sync.Mutex
	blobs   map[string]blobstore.Blob
	closed  bool
	metrics *storage.SourceMetrics
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMaxGap sets the largest hole ReadV reads over when coalescing pages.
// Zero disables coalescing of non-adjacent pages.
func WithMaxGap(n uint64) Option {
	return func(b *Backend) {
		b.maxGap = n
	}
}

// WithReadConcurrency bounds the parallel range reads of one ReadV.
func WithReadConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.readConcurrency = n
		}
	}
}

// New returns a backend for the ntuple name in store.
func New(store blobstore.BlobStore, name string, opts ...Option) *Backend {
	b := &Backend{
		store:           store,
		name:            name,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxGap:          DefaultMaxGap,
		readConcurrency: DefaultReadConcurrency,
		blobs:           make(map[string]blobstore.Blob),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store returns the underlying blob store.
func (b *Backend) Store() blobstore.BlobStore { return b.store }

func (b *Backend) object(base string) string {
	return path.Join(b.name, base)
}

func (b *Backend) clusterObject(n uint64) string {
	return b.object(fmt.Sprintf("cluster-%08d", n))
}

// Exists reports whether a dataset was committed under the name.
func (b *Backend) Exists(ctx context.Context) (bool, error) {
	blob, err := b.store.Open(ctx, b.object(currentName))
	switch {
	case err == nil:
		_ = blob.Close()
		return true, nil
	case errors.Is(err, blobstore.ErrNotFound):
		return false, nil
	}
	return false, fmt.Errorf("check %s: %w", currentName, err)
}

// Create writes the header blob. It refuses to replace a committed dataset,
// whose footer would no longer match the header.
func (b *Backend) Create(ctx context.Context, header storage.Envelope) error {
	exists, err := b.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, b.name)
	}
	if err := b.store.Put(ctx, b.object(headerName), header.Bytes); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// CommitSealedPage stages the page in the current cluster blob.
func (b *Backend) CommitSealedPage(_ context.Context, _ storage.DescriptorID, sealed storage.SealedPage) (storage.Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stage(sealed), nil
}

// CommitSealedPageV stages all pages of the groups in order.
func (b *Backend) CommitSealedPageV(_ context.Context, groups []storage.SealedPageGroup) ([]storage.Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int
	for _, g := range groups {
		n += len(g.Pages)
	}
	locs := make([]storage.Locator, 0, n)
	for _, g := range groups {
		for _, p := range g.Pages {
			locs = append(locs, b.stage(p))
		}
	}
	return locs, nil
}

func (b *Backend) stage(sealed storage.SealedPage) storage.Locator {
	pos := b.cluster.Len()
	b.cluster.Write(sealed.Bytes())
	return storage.Locator{
		Type:     storage.LocatorObject,
		Object:   b.clusterObject(b.nClusters),
		Position: uint64(pos),
		Size:     sealed.Size,
	}
}

// CommitCluster writes the staged pages as one cluster blob. On failure the
// pages stay staged and a retry writes the same blob.
func (b *Backend) CommitCluster(ctx context.Context, nEntries storage.NTupleSize) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := uint64(b.cluster.Len())
	if n == 0 {
		b.nClusters++
		return 0, nil
	}

	name := b.clusterObject(b.nClusters)
	if err := b.writeBlob(ctx, name, b.cluster.Bytes()); err != nil {
		b.logger.Error("cluster write failed", "ntuple", b.name, "object", name, "error", err)
		return 0, fmt.Errorf("write cluster %d: %w", b.nClusters, err)
	}
	b.logger.Debug("cluster written", "ntuple", b.name, "object", name, "entries", nEntries, "bytes", n)

	b.cluster.Reset()
	b.nClusters++
	return n, nil
}

func (b *Backend) writeBlob(ctx context.Context, name string, data []byte) error {
	w, err := b.store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = blobstore.Abort(w)
		return err
	}
	if err := w.Sync(); err != nil {
		_ = blobstore.Abort(w)
		return err
	}
	return w.Close()
}

// CommitClusterGroup writes the page list blob of the next cluster group.
func (b *Backend) CommitClusterGroup(ctx context.Context, pageList storage.Envelope) (storage.Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := b.object(fmt.Sprintf("pagelist-%04d", b.nGroups))
	if err := b.store.Put(ctx, name, pageList.Bytes); err != nil {
		return storage.Locator{}, fmt.Errorf("write page list %d: %w", b.nGroups, err)
	}
	b.nGroups++
	return storage.Locator{
		Type:   storage.LocatorObject,
		Object: name,
		Size:   uint32(len(pageList.Bytes)),
	}, nil
}

// CommitDataset writes a new footer blob and points CURRENT at it. Pages
// staged for a cluster that was never committed are discarded.
func (b *Backend) CommitDataset(ctx context.Context, footer storage.Envelope) error {
	b.mu.Lock()
	if n := b.cluster.Len(); n > 0 {
		b.logger.Warn("discarding staged cluster", "ntuple", b.name, "cluster", b.nClusters, "bytes", n)
		b.cluster = bytes.Buffer{}
	}
	b.mu.Unlock()

	base := "footer-" + uuid.NewString()
	name := b.object(base)
	if err := b.store.Put(ctx, name, footer.Bytes); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	if err := b.store.Put(ctx, b.object(currentName), []byte(base)); err != nil {
		_ = b.store.Delete(ctx, name)
		return fmt.Errorf("publish footer: %w", err)
	}
	b.logger.Info("dataset published", "ntuple", b.name, "footer", base)
	return nil
}

// Attach reads the committed descriptor. It returns an error wrapping
// storage.ErrNoDataset when nothing was committed yet.
func (b *Backend) Attach(ctx context.Context) (*storage.Descriptor, error) {
	current, err := blobstore.ReadAll(ctx, b.store, b.object(currentName))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNoDataset, b.name)
		}
		return nil, fmt.Errorf("read %s: %w", currentName, err)
	}
	footer := strings.TrimSpace(string(current))
	if footer == "" || strings.Contains(footer, "/") {
		return nil, fmt.Errorf("%w: invalid %s pointer %q", storage.ErrCorrupt, currentName, footer)
	}

	return storage.ReadDescriptor(storage.DescriptorReader{
		Header: func() ([]byte, error) {
			return blobstore.ReadAll(ctx, b.store, b.object(headerName))
		},
		Footer: func() ([]byte, error) {
			return blobstore.ReadAll(ctx, b.store, b.object(footer))
		},
		PageList: func(loc storage.Locator, _ uint64) ([]byte, error) {
			buf := make([]byte, loc.Size)
			if err := b.ReadV(ctx, []storage.ReadRequest{{Locator: loc, Buffer: buf}}); err != nil {
				return nil, err
			}
			return buf, nil
		},
	})
}

// span is a contiguous byte range of one blob covering one or more requests.
type span struct {
	object string
	off    uint64
	end    uint64
	reqs   []storage.ReadRequest
}

// coalesce groups requests into spans. Requests of the same blob that are at
// most maxGap bytes apart share a span. It returns the bytes read over holes.
func coalesce(reqs []storage.ReadRequest, maxGap uint64) ([]span, uint64) {
	sorted := slices.Clone(reqs)
	slices.SortFunc(sorted, func(a, b storage.ReadRequest) int {
		if c := strings.Compare(a.Locator.Object, b.Locator.Object); c != 0 {
			return c
		}
		switch {
		case a.Locator.Position < b.Locator.Position:
			return -1
		case a.Locator.Position > b.Locator.Position:
			return 1
		}
		return 0
	})

	var (
		spans    []span
		overhead uint64
	)
	for _, r := range sorted {
		start := r.Locator.Position
		end := start + uint64(r.Locator.Size)
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last.object == r.Locator.Object && start <= last.end+maxGap {
				if start > last.end {
					overhead += start - last.end
				}
				last.end = max(last.end, end)
				last.reqs = append(last.reqs, r)
				continue
			}
		}
		spans = append(spans, span{object: r.Locator.Object, off: start, end: end, reqs: []storage.ReadRequest{r}})
	}
	return spans, overhead
}

// ReadV reads all requests, coalescing neighboring pages of a cluster blob
// into one ranged read. Spans are read in parallel.
func (b *Backend) ReadV(ctx context.Context, reqs []storage.ReadRequest) error {
	spans, overhead := coalesce(reqs, b.maxGap)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.readConcurrency)
	for _, sp := range spans {
		g.Go(func() error {
			return b.readSpan(gctx, sp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if m := b.metrics; m != nil && overhead > 0 {
		m.SzReadOverhead.Add(int64(overhead))
	}
	return nil
}

func (b *Backend) readSpan(ctx context.Context, sp span) error {
	blob, err := b.open(ctx, sp.object)
	if err != nil {
		return fmt.Errorf("open %s: %w", sp.object, err)
	}

	if len(sp.reqs) == 1 {
		r := sp.reqs[0]
		if err := blobstore.ReadFull(ctx, blob, r.Buffer, int64(r.Locator.Position)); err != nil {
			return fmt.Errorf("read %s: %w", r.Locator, err)
		}
		return nil
	}

	buf := make([]byte, sp.end-sp.off)
	rc, err := blob.ReadRange(ctx, int64(sp.off), int64(len(buf)))
	if err != nil {
		return fmt.Errorf("read %s@%d+%d: %w", sp.object, sp.off, len(buf), err)
	}
	_, err = io.ReadFull(rc, buf)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("read %s@%d+%d: %w", sp.object, sp.off, len(buf), err)
	}

	for _, r := range sp.reqs {
		start := r.Locator.Position - sp.off
		copy(r.Buffer, buf[start:start+uint64(r.Locator.Size)])
	}
	return nil
}

// open returns a cached handle of the named blob.
func (b *Backend) open(ctx context.Context, name string) (blobstore.Blob, error) {
	b.blobMu.Lock()
	if b.closed {
		b.blobMu.Unlock()
		return nil, storage.ErrClosed
	}
	if blob, ok := b.blobs[name]; ok {
		b.blobMu.Unlock()
		return blob, nil
	}
	b.blobMu.Unlock()

	blob, err := b.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	b.blobMu.Lock()
	defer b.blobMu.Unlock()
	if b.closed {
		_ = blob.Close()
		return nil, storage.ErrClosed
	}
	if cur, ok := b.blobs[name]; ok {
		_ = blob.Close()
		return cur, nil
	}
	b.blobs[name] = blob
	return blob, nil
}

// MapBlob returns the bytes at loc without copying when the store exposes
// them, as MemoryStore and LocalStore do.
func (b *Backend) MapBlob(loc storage.Locator) ([]byte, bool) {
	blob, err := b.open(context.Background(), loc.Object)
	if err != nil {
		return nil, false
	}
	m, ok := blob.(blobstore.Mappable)
	if !ok {
		return nil, false
	}
	data, err := m.Bytes()
	if err != nil {
		return nil, false
	}
	end := loc.Position + uint64(loc.Size)
	if end > uint64(len(data)) {
		return nil, false
	}
	return data[loc.Position:end:end], true
}

// SetMetrics makes ReadV report the bytes read over holes.
func (b *Backend) SetMetrics(m *storage.SourceMetrics) { b.metrics = m }

// Clone returns a backend on the same ntuple with its own blob handles.
func (b *Backend) Clone() (storage.SourceBackend, error) {
	b.blobMu.Lock()
	closed := b.closed
	b.blobMu.Unlock()
	if closed {
		return nil, storage.ErrClosed
	}
	return &Backend{
		store:           b.store,
		name:            b.name,
		logger:          b.logger,
		maxGap:          b.maxGap,
		readConcurrency: b.readConcurrency,
		blobs:           make(map[string]blobstore.Blob),
	}, nil
}

// Purge deletes every blob of the ntuple, including the CURRENT pointer.
func (b *Backend) Purge(ctx context.Context) error {
	names, err := b.store.List(ctx, b.name+"/")
	if err != nil {
		return fmt.Errorf("list %s: %w", b.name, err)
	}
	for _, name := range names {
		// Some stores match the prefix without its trailing slash.
		if !strings.HasPrefix(name, b.name+"/") {
			continue
		}
		if err := b.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}

// Close releases the open blob handles.
func (b *Backend) Close() error {
	b.blobMu.Lock()
	defer b.blobMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for name, blob := range b.blobs {
		if err := blob.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	b.blobs = nil
	return errors.Join(errs...)
}

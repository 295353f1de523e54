package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReadRequest asks a backend to fill Buffer with the blob at Locator.
// len(Buffer) equals Locator.Size.
type ReadRequest struct {
	Locator Locator
	Buffer  []byte
}

// SourceBackend performs the medium-specific I/O of a PageSource.
type SourceBackend interface {
	// Attach reads the header, footer and page lists of a committed ntuple.
	Attach(ctx context.Context) (*Descriptor, error)
	// ReadV fills the buffers of all requests. Backends may coalesce
	// neighboring ranges.
	ReadV(ctx context.Context, reqs []ReadRequest) error
	// Clone returns an independent backend on the same dataset.
	Clone() (SourceBackend, error)
	Close() error
}

// ZeroCopyReader is implemented by backends that can expose a blob without
// copying it, such as memory mapped files. The returned bytes stay valid until
// the backend is closed.
type ZeroCopyReader interface {
	MapBlob(loc Locator) ([]byte, bool)
}

// MetricsSetter is implemented by backends that report their own counters,
// such as the overhead of coalesced reads.
type MetricsSetter interface {
	SetMetrics(m *SourceMetrics)
}

// PageSource implements the read protocol of an ntuple on top of a
// SourceBackend.
//
// A PageSource is safe for concurrent use after Attach.
type PageSource struct {
	name    string
	backend SourceBackend
	opts    ReadOptions
	logger  *slog.Logger
	metrics SourceMetrics

	lock     *descriptorLock
	attached atomic.Bool
	closed   atomic.Bool
	codecs   atomic.Pointer[[]ElementCodec]

	active   *ActivePhysicalColumns
	pages    *PagePool
	clusters atomic.Pointer[ClusterPool]
}

// NewPageSource returns a source reading the ntuple name through backend.
// Attach must be called before data can be read.
func NewPageSource(name string, backend SourceBackend, optFns ...ReadOption) (*PageSource, error) {
	opts := DefaultReadOptions()
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}
	return newPageSource(name, backend, opts)
}

func newPageSource(name string, backend SourceBackend, opts ReadOptions) (*PageSource, error) {
	pages, err := NewPagePool(opts.PagePoolSize)
	if err != nil {
		return nil, fmt.Errorf("page pool: %w", err)
	}
	s := &PageSource{
		name:    name,
		backend: backend,
		opts:    opts,
		logger:  opts.Logger.With("ntuple", name),
		lock:    newDescriptorLock(),
		active:  NewActivePhysicalColumns(),
		pages:   pages,
	}
	if ms, ok := backend.(MetricsSetter); ok {
		ms.SetMetrics(&s.metrics)
	}
	return s, nil
}

// NTupleName returns the name of the ntuple.
func (s *PageSource) NTupleName() string { return s.name }

// Type returns TypeSource.
func (s *PageSource) Type() StorageType { return TypeSource }

// ReadOptions returns the source configuration.
func (s *PageSource) ReadOptions() ReadOptions { return s.opts }

// Metrics returns the source counters.
func (s *PageSource) Metrics() *SourceMetrics { return &s.metrics }

// PagePool returns the pool of decoded pages.
func (s *PageSource) PagePool() *PagePool { return s.pages }

// SetTaskScheduler sets the scheduler used by UnzipCluster. It must be called
// before the source is shared between goroutines.
func (s *PageSource) SetTaskScheduler(ts TaskScheduler) { s.opts.Scheduler = ts }

// Attach loads the descriptor from the medium. Calling it again re-reads the
// descriptor, picks up clusters committed since and bumps the generation.
// Cached clusters and unused pages are dropped on re-attach.
func (s *PageSource) Attach(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	reattach := s.attached.Load()

	desc, err := s.backend.Attach(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "attach failed", "error", err)
		return fmt.Errorf("attach %s: %w", s.name, err)
	}

	s.install(desc)
	s.logger.InfoContext(ctx, "ntuple attached",
		"reattach", reattach,
		"entries", desc.NEntries(),
		"clusters", len(desc.Clusters),
		"columns", desc.NPhysicalColumns(),
	)
	return nil
}

func (s *PageSource) install(desc *Descriptor) {
	codecs := make([]ElementCodec, desc.NPhysicalColumns())
	for i := range codecs {
		codecs[i], _ = CodecFor(desc.Columns[i].Type)
	}

	g := s.exclDescriptorGuard()
	g.MoveIn(desc)
	s.codecs.Store(&codecs)
	g.Release()

	var pool *ClusterPool
	if s.opts.ClusterCache {
		pool = newClusterPool(s, s.opts.ClusterBunchSize)
	}
	if old := s.clusters.Swap(pool); old != nil {
		old.Close()
	}
	if s.attached.Swap(true) {
		s.pages.Clear()
	}
}

func (s *PageSource) codec(physID DescriptorID) ElementCodec {
	return (*s.codecs.Load())[physID]
}

func (s *PageSource) checkAttached() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.attached.Load() {
		return ErrNotAttached
	}
	return nil
}

// SharedDescriptorGuard returns a read guard of the descriptor. The guard
// must be released and must not be held while calling other methods of the
// source that update the descriptor.
func (s *PageSource) SharedDescriptorGuard() *SharedDescriptorGuard {
	return s.lock.shared()
}

func (s *PageSource) exclDescriptorGuard() *ExclDescriptorGuard {
	return s.lock.exclusive()
}

// NEntries returns the number of entries of the attached ntuple.
func (s *PageSource) NEntries() NTupleSize {
	g := s.lock.shared()
	defer g.Release()
	return g.Descriptor().NEntries()
}

// NElements returns the number of elements of the column of h.
func (s *PageSource) NElements(h ColumnHandle) NTupleSize {
	g := s.lock.shared()
	defer g.Release()
	return g.Descriptor().NElements(h.PhysicalID)
}

// ColumnID returns the logical column id of h.
func (s *PageSource) ColumnID(h ColumnHandle) DescriptorID {
	if !h.Valid() {
		return InvalidDescriptorID
	}
	return h.Column.LogicalID()
}

// AddColumn connects column to the column at column.Index of the field and
// marks its physical column active. Columns of projected fields resolve to
// the physical column of the aliased field.
func (s *PageSource) AddColumn(fieldID DescriptorID, column *Column) (ColumnHandle, error) {
	if err := s.checkAttached(); err != nil {
		return InvalidColumnHandle, err
	}
	if column == nil {
		return InvalidColumnHandle, fmt.Errorf("%w: nil column", ErrUnknownColumn)
	}

	g := s.lock.shared()
	desc := g.Descriptor()
	colID, ok := desc.FindColumnID(fieldID, column.Index)
	if !ok {
		g.Release()
		return InvalidColumnHandle, fmt.Errorf("%w: field %d has no column %d", ErrUnknownColumn, fieldID, column.Index)
	}
	cd := desc.Columns[colID]
	g.Release()

	if cd.Type != column.Type {
		return InvalidColumnHandle, fmt.Errorf("%w: column %d is %s, not %s", ErrUnknownColumn, colID, cd.Type, column.Type)
	}
	column.logicalID = colID
	s.active.Insert(cd.PhysicalID)
	return ColumnHandle{PhysicalID: cd.PhysicalID, Column: column}, nil
}

// DropColumn decrements the use count of the physical column of h.
func (s *PageSource) DropColumn(h ColumnHandle) {
	if h.Valid() {
		s.active.Erase(h.PhysicalID)
	}
}

// ActiveColumns returns the set of physical columns currently in use.
func (s *PageSource) ActiveColumns() ColumnSet {
	return s.active.ToColumnSet()
}

func (s *PageSource) checkHandle(h ColumnHandle) error {
	if !h.Valid() || s.active.Count(h.PhysicalID) == 0 {
		return fmt.Errorf("%w: handle %d was not added", ErrUnknownColumn, h.PhysicalID)
	}
	return nil
}

// pageRef locates one page of the descriptor.
type pageRef struct {
	physID      DescriptorID
	clusterID   DescriptorID
	pageNo      int
	first       NTupleSize // cluster-relative index of the first element
	indexOffset NTupleSize // first element index of the column in the cluster
	info        PageInfo
}

func (r pageRef) key() pageKey {
	return pageKey{physID: r.physID, clusterID: r.clusterID, pageNo: uint64(r.pageNo)}
}

func (r pageRef) onDiskKey() OnDiskPageKey {
	return OnDiskPageKey{PhysicalColumnID: r.physID, PageNo: uint64(r.pageNo)}
}

func findPage(desc *Descriptor, physID DescriptorID, ci ClusterIndex) (pageRef, error) {
	cd, ok := desc.Cluster(ci.ClusterID)
	if !ok {
		return pageRef{}, fmt.Errorf("%w: cluster %d", ErrUnknownPage, ci.ClusterID)
	}
	if int(physID) >= desc.NPhysicalColumns() {
		return pageRef{}, fmt.Errorf("%w: physical column %d", ErrUnknownColumn, physID)
	}
	cr := cd.ColumnRanges[physID]
	if ci.Index >= cr.NElements {
		return pageRef{}, fmt.Errorf("%w: column %d has %d elements in cluster %d, index %d", ErrUnknownPage, physID, cr.NElements, ci.ClusterID, ci.Index)
	}
	pageNo, first, ok := cd.PageRanges[physID].Find(ci.Index)
	if !ok {
		return pageRef{}, fmt.Errorf("%w: no page for element %s of column %d", ErrCorrupt, ci, physID)
	}
	return pageRef{
		physID:      physID,
		clusterID:   ci.ClusterID,
		pageNo:      pageNo,
		first:       first,
		indexOffset: cr.FirstElementIndex,
		info:        cd.PageRanges[physID].PageInfos[pageNo],
	}, nil
}

// PopulatePage returns the page holding the global element index of the
// column of h. The page must be given back with ReleasePage.
func (s *PageSource) PopulatePage(ctx context.Context, h ColumnHandle, globalIndex NTupleSize) (Page, error) {
	if err := s.checkAttached(); err != nil {
		return Page{}, err
	}
	if err := s.checkHandle(h); err != nil {
		return Page{}, err
	}

	g := s.lock.shared()
	desc := g.Descriptor()
	clusterID, ok := desc.FindClusterID(h.PhysicalID, globalIndex)
	if !ok {
		g.Release()
		return Page{}, fmt.Errorf("%w: element %d of column %d", ErrUnknownPage, globalIndex, h.PhysicalID)
	}
	first := desc.Clusters[clusterID].ColumnRanges[h.PhysicalID].FirstElementIndex
	ref, err := findPage(desc, h.PhysicalID, ClusterIndex{ClusterID: clusterID, Index: globalIndex - first})
	g.Release()
	if err != nil {
		return Page{}, err
	}
	return s.populate(ctx, ref)
}

// PopulatePageAt returns the page holding the cluster-relative element index
// of the column of h.
func (s *PageSource) PopulatePageAt(ctx context.Context, h ColumnHandle, ci ClusterIndex) (Page, error) {
	if err := s.checkAttached(); err != nil {
		return Page{}, err
	}
	if err := s.checkHandle(h); err != nil {
		return Page{}, err
	}

	g := s.lock.shared()
	ref, err := findPage(g.Descriptor(), h.PhysicalID, ci)
	g.Release()
	if err != nil {
		return Page{}, err
	}
	return s.populate(ctx, ref)
}

func (s *PageSource) populate(ctx context.Context, ref pageRef) (Page, error) {
	if p, ok := s.pages.get(ref.key()); ok {
		return p, nil
	}

	sealed, err := s.sealedPage(ctx, ref)
	if err != nil {
		return Page{}, err
	}
	page, err := s.unseal(ref, sealed)
	if err != nil {
		return Page{}, err
	}
	s.metrics.NPagePopulated.Add(1)
	return s.pages.register(page), nil
}

func (s *PageSource) unseal(ref pageRef, sealed SealedPage) (Page, error) {
	codec := s.codec(ref.physID)
	start := time.Now()
	buf, err := UnsealPage(sealed, codec)
	s.metrics.TimeWallUnzip.Add(since(start))
	if err != nil {
		return Page{}, fmt.Errorf("page %d of column %d in cluster %d: %w", ref.pageNo, ref.physID, ref.clusterID, err)
	}
	s.metrics.SzUnzip.Add(int64(len(buf)))

	n := int(sealed.NElements)
	return Page{
		PhysicalColumnID: ref.physID,
		Buffer:           buf,
		ElementSize:      codec.Size(),
		NElements:        n,
		MaxElements:      n,
		RangeFirst:       ref.indexOffset + ref.first,
		ClusterInfo:      ClusterInfo{ID: ref.clusterID, IndexOffset: ref.indexOffset},
		key:              ref.key(),
	}, nil
}

// sealedPage returns the sealed page from the cluster pool, or straight from
// the medium when the cluster cache is disabled.
func (s *PageSource) sealedPage(ctx context.Context, ref pageRef) (SealedPage, error) {
	if pool := s.clusters.Load(); pool != nil {
		c, err := pool.GetCluster(ctx, ref.clusterID, s.active.ToColumnSet())
		switch {
		case err == nil:
			if sp, ok := c.OnDiskPage(ref.onDiskKey()); ok {
				return sp, nil
			}
		case errors.Is(err, ErrClosed) && !s.closed.Load():
			// The pool was replaced by a re-attach; read from the medium.
		default:
			return SealedPage{}, err
		}
	}

	loc := ref.info.Locator
	if zc, ok := s.backend.(ZeroCopyReader); ok {
		if b, ok := zc.MapBlob(loc); ok {
			return SealedPage{Buffer: b, Size: loc.Size, NElements: ref.info.NElements}, nil
		}
	}
	buf := make([]byte, loc.Size)
	if err := s.read(ctx, []ReadRequest{{Locator: loc, Buffer: buf}}, int64(loc.Size)); err != nil {
		return SealedPage{}, err
	}
	return SealedPage{Buffer: buf, Size: loc.Size, NElements: ref.info.NElements}, nil
}

func (s *PageSource) read(ctx context.Context, reqs []ReadRequest, nBytes int64) error {
	if len(reqs) == 0 {
		return nil
	}
	if err := s.opts.Resources.AcquireIO(ctx, int(nBytes)); err != nil {
		return err
	}
	start := time.Now()
	err := s.backend.ReadV(ctx, reqs)
	s.metrics.TimeWallRead.Add(since(start))
	if err != nil {
		s.logger.ErrorContext(ctx, "read failed", "requests", len(reqs), "error", err)
		return fmt.Errorf("read %d blobs: %w", len(reqs), err)
	}
	s.metrics.NReadV.Add(1)
	s.metrics.NRead.Add(int64(len(reqs)))
	s.metrics.SzReadPayload.Add(nBytes)
	return nil
}

// ReleasePage gives back a page obtained from PopulatePage.
func (s *PageSource) ReleasePage(page Page) error {
	if page.IsNull() {
		return nil
	}
	if err := s.pages.Return(page); err != nil {
		return fmt.Errorf("release page of column %d: %w", page.PhysicalColumnID, err)
	}
	return nil
}

// LoadSealedPage copies a sealed page into sealed.Buffer.
//
// With a nil Buffer only Size and NElements are set, so that the caller can
// allocate a buffer of the right size and call again.
func (s *PageSource) LoadSealedPage(ctx context.Context, physID DescriptorID, ci ClusterIndex, sealed *SealedPage) error {
	if err := s.checkAttached(); err != nil {
		return err
	}
	if sealed == nil {
		return fmt.Errorf("%w: nil sealed page", ErrContractViolation)
	}

	g := s.lock.shared()
	ref, err := findPage(g.Descriptor(), physID, ci)
	g.Release()
	if err != nil {
		return err
	}

	loc := ref.info.Locator
	if sealed.Buffer == nil {
		sealed.Size = loc.Size
		sealed.NElements = ref.info.NElements
		return nil
	}
	if len(sealed.Buffer) < int(loc.Size) {
		return fmt.Errorf("%w: %w: page needs %d bytes, buffer has %d", ErrContractViolation, io.ErrShortBuffer, loc.Size, len(sealed.Buffer))
	}

	dst := sealed.Buffer[:loc.Size]
	mapped := false
	if zc, ok := s.backend.(ZeroCopyReader); ok {
		if b, ok := zc.MapBlob(loc); ok {
			copy(dst, b)
			mapped = true
		}
	}
	if !mapped {
		if err := s.read(ctx, []ReadRequest{{Locator: loc, Buffer: dst}}, int64(loc.Size)); err != nil {
			return err
		}
	}
	sealed.Size = loc.Size
	sealed.NElements = ref.info.NElements
	return nil
}

// LoadClusters stages the sealed pages of the requested columns of each
// cluster with a single vector read. Every requested column is marked
// available, including columns without pages in the cluster.
func (s *PageSource) LoadClusters(ctx context.Context, keys []ClusterKey) ([]*Cluster, error) {
	if err := s.checkAttached(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var (
		active   ColumnSet
		haveAct  bool
		clusters = make([]*Cluster, len(keys))
		reqs     []ReadRequest
		pending  []stagedPage
		nBytes   int64
		nPages   int
		zc, _    = s.backend.(ZeroCopyReader)
	)

	g := s.lock.shared()
	desc := g.Descriptor()
	for i, key := range keys {
		cd, ok := desc.Cluster(key.ClusterID)
		if !ok {
			g.Release()
			return nil, fmt.Errorf("%w: cluster %d", ErrUnknownPage, key.ClusterID)
		}
		cols := key.Columns
		if cols.Len() == 0 {
			if !haveAct {
				active, haveAct = s.active.ToColumnSet(), true
			}
			cols = active
		}

		c := NewCluster(key.ClusterID)
		for _, physID := range cols.IDs() {
			if int(physID) >= desc.NPhysicalColumns() {
				g.Release()
				return nil, fmt.Errorf("%w: physical column %d", ErrUnknownColumn, physID)
			}
			for pageNo, pi := range cd.PageRanges[physID].PageInfos {
				pk := OnDiskPageKey{PhysicalColumnID: physID, PageNo: uint64(pageNo)}
				nPages++
				if zc != nil {
					if b, ok := zc.MapBlob(pi.Locator); ok {
						c.Insert(pk, SealedPage{Buffer: b, Size: pi.Locator.Size, NElements: pi.NElements})
						continue
					}
				}
				buf := make([]byte, pi.Locator.Size)
				reqs = append(reqs, ReadRequest{Locator: pi.Locator, Buffer: buf})
				pending = append(pending, stagedPage{cluster: c, key: pk, nElements: pi.NElements})
				c.nBytes += int64(pi.Locator.Size)
				nBytes += int64(pi.Locator.Size)
			}
			c.SetColumnAvailable(physID)
		}
		clusters[i] = c
	}
	g.Release()

	if err := s.read(ctx, reqs, nBytes); err != nil {
		s.observeLoad(len(keys), 0, err)
		return nil, err
	}
	for i, p := range pending {
		p.cluster.Insert(p.key, SealedPage{Buffer: reqs[i].Buffer, Size: reqs[i].Locator.Size, NElements: p.nElements})
	}
	if rc := s.opts.Resources; rc != nil {
		for _, c := range clusters {
			if n := c.nBytes; n > 0 && rc.TryAcquireMemory(n) {
				c.release = func() { rc.ReleaseMemory(n) }
			}
		}
	}

	s.metrics.NClusterLoaded.Add(int64(len(keys)))
	s.metrics.NPageLoaded.Add(int64(nPages))
	s.logger.DebugContext(ctx, "clusters loaded",
		"clusters", len(keys),
		"pages", nPages,
		"bytes", nBytes,
	)
	s.observeLoad(len(keys), uint64(nBytes), nil)
	return clusters, nil
}

type stagedPage struct {
	cluster   *Cluster
	key       OnDiskPageKey
	nElements uint32
}

func (s *PageSource) observeLoad(n int, nBytes uint64, err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.LoadClusters(n, nBytes, err)
	}
}

// UnzipCluster unseals all staged pages of c in parallel and preloads them
// into the page pool. It is a no-op without a task scheduler.
func (s *PageSource) UnzipCluster(ctx context.Context, c *Cluster) error {
	if s.opts.Scheduler == nil || c == nil {
		return nil
	}
	if err := s.checkAttached(); err != nil {
		return err
	}

	var refs []pageRef
	g := s.lock.shared()
	cd, ok := g.Descriptor().Cluster(c.ID())
	if !ok {
		g.Release()
		return fmt.Errorf("%w: cluster %d", ErrUnknownPage, c.ID())
	}
	for _, physID := range c.AvailableColumns().IDs() {
		first := cd.ColumnRanges[physID].FirstElementIndex
		var elem NTupleSize
		for pageNo, pi := range cd.PageRanges[physID].PageInfos {
			refs = append(refs, pageRef{
				physID:      physID,
				clusterID:   cd.ID,
				pageNo:      pageNo,
				first:       elem,
				indexOffset: first,
				info:        pi,
			})
			elem += NTupleSize(pi.NElements)
		}
	}
	g.Release()

	errs := make([]error, len(refs))
	tasks := make([]func(), 0, len(refs))
	for i, ref := range refs {
		sealed, ok := c.OnDiskPage(ref.onDiskKey())
		if !ok {
			continue
		}
		tasks = append(tasks, func() {
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}
			page, err := s.unseal(ref, sealed)
			if err != nil {
				errs[i] = err
				return
			}
			s.pages.preload(page)
		})
	}

	runTasks(s.opts.Scheduler, tasks)
	s.pages.Wait()
	return errors.Join(errs...)
}

// Clone returns an independent source on the same dataset. If s is
// attached, the clone shares a copy of its descriptor and is attached too.
func (s *PageSource) Clone() (*PageSource, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	b, err := s.backend.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", s.name, err)
	}
	clone, err := newPageSource(s.name, b, s.opts)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if s.attached.Load() {
		g := s.lock.shared()
		desc := g.Descriptor().Clone()
		g.Release()
		clone.install(desc)
	}
	return clone, nil
}

// Close stops background loading and releases the backend.
func (s *PageSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if pool := s.clusters.Swap(nil); pool != nil {
		pool.Close()
	}
	s.pages.Close()
	return s.backend.Close()
}

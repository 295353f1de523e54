package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/ntuple/internal/compress"
	"github.com/hupe1980/ntuple/internal/hash"
)

// SinkBackend performs the medium-specific I/O of a PageSink. It only ever
// receives sealed pages and serialized envelopes.
type SinkBackend interface {
	// Create writes the header.
	Create(ctx context.Context, header Envelope) error
	// CommitSealedPage stores a page of the open cluster. The sealed buffer is
	// only valid for the duration of the call.
	CommitSealedPage(ctx context.Context, physID DescriptorID, sealed SealedPage) (Locator, error)
	// CommitCluster makes the pages of the open cluster durable and returns
	// the number of payload bytes written.
	CommitCluster(ctx context.Context, nEntries NTupleSize) (uint64, error)
	// CommitClusterGroup writes a page list.
	CommitClusterGroup(ctx context.Context, pageList Envelope) (Locator, error)
	// CommitDataset writes the footer and publishes the dataset.
	CommitDataset(ctx context.Context, footer Envelope) error
}

// SealedPageVCommitter is implemented by backends that store many sealed
// pages in one operation. Locators are returned in flattened group order.
type SealedPageVCommitter interface {
	CommitSealedPageV(ctx context.Context, groups []SealedPageGroup) ([]Locator, error)
}

type sinkState uint8

const (
	sinkCreated sinkState = iota
	sinkCommitting
	sinkFinalizing
	sinkClosed
)

// openColumn tracks the column and page range of the open cluster.
type openColumn struct {
	codec    ElementCodec
	colRange ColumnRange
	pages    []PageInfo
}

type bufferedPage struct {
	physID    DescriptorID
	page      Page
	sealed    SealedPage
	presealed bool
}

// PageSink implements the write protocol of an ntuple on top of a SinkBackend.
//
// A PageSink is not safe for concurrent use.
type PageSink struct {
	name      string
	backend   SinkBackend
	opts      WriteOptions
	logger    *slog.Logger
	metrics   SinkMetrics
	allocator PageAllocator

	state            sinkState
	desc             *Descriptor
	added            ColumnSet
	open             []openColumn
	buffered         []bufferedPage
	nEntries         NTupleSize
	nextGroupCluster int
	headerChecksum   uint32
	sealBuf          []byte
}

// NewPageSink returns a sink writing the ntuple name through backend.
func NewPageSink(name string, backend SinkBackend, optFns ...WriteOption) *PageSink {
	opts := DefaultWriteOptions()
	for _, fn := range optFns {
		if fn != nil {
			fn(&opts)
		}
	}
	if opts.Allocator == nil {
		opts.Allocator = NewPooledPageAllocator()
	}
	return &PageSink{
		name:      name,
		backend:   backend,
		opts:      opts,
		logger:    opts.Logger.With("ntuple", name),
		allocator: opts.Allocator,
		desc:      &Descriptor{},
	}
}

// NTupleName returns the name of the ntuple.
func (s *PageSink) NTupleName() string { return s.name }

// Type returns TypeSink.
func (s *PageSink) Type() StorageType { return TypeSink }

// WriteOptions returns the sink configuration.
func (s *PageSink) WriteOptions() WriteOptions { return s.opts }

// Metrics returns the sink counters.
func (s *PageSink) Metrics() *SinkMetrics { return &s.metrics }

// SetTaskScheduler sets the scheduler used to seal buffered pages.
func (s *PageSink) SetTaskScheduler(ts TaskScheduler) { s.opts.Scheduler = ts }

// Descriptor returns a snapshot of the descriptor built so far.
func (s *PageSink) Descriptor() *Descriptor { return s.desc.Clone() }

// NEntries returns the number of entries in committed clusters.
func (s *PageSink) NEntries() NTupleSize { return s.nEntries }

// Create fixes the schema and writes the header.
func (s *PageSink) Create(ctx context.Context, model *Model) error {
	if s.state != sinkCreated {
		return fmt.Errorf("%w: Create called twice", ErrInvalidState)
	}
	if model == nil {
		return errors.New("create: nil model")
	}
	if err := compress.ValidateSetting(s.opts.Compression); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	desc, err := newDescriptor(s.name, model)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	header, err := marshalEnvelope(EnvelopeHeader, s.opts.Codec, s.opts.Compression, headerPayload{
		Name:        desc.Name,
		Description: desc.Description,
		Fields:      desc.Fields,
		Columns:     desc.Columns,
	})
	if err != nil {
		return err
	}
	if err := s.backend.Create(ctx, header); err != nil {
		s.logger.ErrorContext(ctx, "create failed", "error", err)
		return fmt.Errorf("create %s: %w", s.name, err)
	}

	s.desc = desc
	s.headerChecksum = hash.CRC32C(header.Bytes)
	s.open = make([]openColumn, desc.NPhysicalColumns())
	for i := range s.open {
		codec, _ := CodecFor(desc.Columns[i].Type)
		s.open[i] = openColumn{
			codec: codec,
			colRange: ColumnRange{
				PhysicalColumnID: DescriptorID(i),
				Compression:      s.opts.Compression,
			},
		}
	}
	s.state = sinkCommitting

	s.logger.InfoContext(ctx, "ntuple created",
		"fields", len(desc.Fields),
		"columns", len(desc.Columns),
		"compression", s.opts.Compression,
	)
	return nil
}

// AddColumn connects column to the column at column.Index of the field.
// The schema is fixed at Create, so only columns of the model can be added.
func (s *PageSink) AddColumn(fieldID DescriptorID, column *Column) (ColumnHandle, error) {
	if s.state != sinkCommitting {
		return InvalidColumnHandle, fmt.Errorf("%w: AddColumn outside Create/CommitDataset", ErrInvalidState)
	}
	if column == nil {
		return InvalidColumnHandle, fmt.Errorf("%w: nil column", ErrUnknownColumn)
	}
	f, ok := s.desc.Field(fieldID)
	if !ok {
		return InvalidColumnHandle, fmt.Errorf("%w: field %d", ErrUnknownColumn, fieldID)
	}
	if f.IsProjected() {
		return InvalidColumnHandle, fmt.Errorf("%w: projected field %q is read-only", ErrUnknownColumn, f.Name)
	}
	colID, ok := s.desc.FindColumnID(fieldID, column.Index)
	if !ok {
		return InvalidColumnHandle, fmt.Errorf("%w: field %q has no column %d", ErrSchemaFixed, f.Name, column.Index)
	}
	cd := s.desc.Columns[colID]
	if cd.Type != column.Type {
		return InvalidColumnHandle, fmt.Errorf("%w: column %d of %q is %s, not %s", ErrUnknownColumn, column.Index, f.Name, cd.Type, column.Type)
	}

	column.logicalID = colID
	s.added.Add(cd.PhysicalID)
	return ColumnHandle{PhysicalID: cd.PhysicalID, Column: column}, nil
}

// DropColumn is a no-op: the schema of a sink never shrinks.
func (s *PageSink) DropColumn(ColumnHandle) {}

func (s *PageSink) checkWritable() error {
	switch s.state {
	case sinkCommitting:
		return nil
	case sinkClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: sink is not open for commits", ErrInvalidState)
	}
}

func (s *PageSink) checkHandle(h ColumnHandle) error {
	if !h.Valid() || !s.added.Contains(h.PhysicalID) {
		return fmt.Errorf("%w: handle %d was not added", ErrUnknownColumn, h.PhysicalID)
	}
	return nil
}

func (s *PageSink) checkSealed(physID DescriptorID, sealed SealedPage) error {
	if int(physID) >= len(s.open) {
		return fmt.Errorf("%w: physical column %d", ErrUnknownColumn, physID)
	}
	if int(sealed.Size) > len(sealed.Buffer) {
		return fmt.Errorf("%w: sealed page size %d exceeds its buffer (%d bytes)", ErrContractViolation, sealed.Size, len(sealed.Buffer))
	}
	return nil
}

// ReservePage returns a writable page for up to nElements elements.
// With nElements 0 the page is sized from the configured page size.
func (s *PageSink) ReservePage(h ColumnHandle, nElements int) (Page, error) {
	if err := s.checkHandle(h); err != nil {
		return Page{}, err
	}
	if nElements < 0 {
		return Page{}, fmt.Errorf("reserve page: negative element count %d", nElements)
	}
	if nElements == 0 {
		nElements = max(1, s.opts.ApproxUnzippedPageSize/h.Column.ElementSize())
	}
	p := s.allocator.ReservePage(h.Column, nElements)
	p.PhysicalColumnID = h.PhysicalID
	return p, nil
}

// ReleasePage returns a page obtained from ReservePage.
func (s *PageSink) ReleasePage(page Page) {
	s.allocator.ReleasePage(page)
}

// CommitPage seals page and adds it to the open cluster. The page may be
// released once CommitPage returns.
func (s *PageSink) CommitPage(ctx context.Context, h ColumnHandle, page Page) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.checkHandle(h); err != nil {
		return err
	}
	if page.NElements == 0 {
		return nil
	}
	oc := &s.open[h.PhysicalID]

	if s.opts.Buffered {
		buf := make([]byte, len(page.Bytes()))
		copy(buf, page.Bytes())
		cp := NewPage(h.PhysicalID, buf, page.ElementSize, page.NElements)
		cp.NElements = page.NElements
		s.buffered = append(s.buffered, bufferedPage{physID: h.PhysicalID, page: cp})
		oc.colRange.NElements += NTupleSize(page.NElements)
		return nil
	}

	sealed, err := s.seal(page, oc.codec)
	if err != nil {
		return err
	}
	loc, err := s.writeSealed(ctx, h.PhysicalID, sealed)
	if err != nil {
		return err
	}
	oc.pages = append(oc.pages, PageInfo{NElements: sealed.NElements, Locator: loc})
	oc.colRange.NElements += NTupleSize(sealed.NElements)
	return nil
}

// CommitSealedPage adds an already sealed page to the open cluster, bypassing
// compression. The column need not have been added with AddColumn.
func (s *PageSink) CommitSealedPage(ctx context.Context, physID DescriptorID, sealed SealedPage) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.checkSealed(physID, sealed); err != nil {
		return err
	}
	oc := &s.open[physID]

	if s.opts.Buffered {
		s.buffered = append(s.buffered, bufferedPage{physID: physID, sealed: cloneSealed(sealed), presealed: true})
		oc.colRange.NElements += NTupleSize(sealed.NElements)
		return nil
	}

	loc, err := s.writeSealed(ctx, physID, sealed)
	if err != nil {
		return err
	}
	oc.pages = append(oc.pages, PageInfo{NElements: sealed.NElements, Locator: loc})
	oc.colRange.NElements += NTupleSize(sealed.NElements)
	return nil
}

// CommitSealedPageV commits several runs of sealed pages at once. Pages are
// recorded in flattened group order. If the backend fails, none of the pages
// are recorded.
func (s *PageSink) CommitSealedPageV(ctx context.Context, groups []SealedPageGroup) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	for _, g := range groups {
		for _, p := range g.Pages {
			if err := s.checkSealed(g.PhysicalColumnID, p); err != nil {
				return err
			}
		}
	}

	if s.opts.Buffered {
		for _, g := range groups {
			oc := &s.open[g.PhysicalColumnID]
			for _, p := range g.Pages {
				s.buffered = append(s.buffered, bufferedPage{physID: g.PhysicalColumnID, sealed: cloneSealed(p), presealed: true})
				oc.colRange.NElements += NTupleSize(p.NElements)
			}
		}
		return nil
	}

	locs, err := s.commitSealedV(ctx, groups)
	if err != nil {
		return err
	}
	i := 0
	for _, g := range groups {
		oc := &s.open[g.PhysicalColumnID]
		for _, p := range g.Pages {
			oc.pages = append(oc.pages, PageInfo{NElements: p.NElements, Locator: locs[i]})
			oc.colRange.NElements += NTupleSize(p.NElements)
			i++
		}
	}
	return nil
}

func cloneSealed(p SealedPage) SealedPage {
	buf := make([]byte, p.Size)
	copy(buf, p.Buffer[:p.Size])
	return SealedPage{Buffer: buf, Size: p.Size, NElements: p.NElements}
}

func (s *PageSink) seal(page Page, codec ElementCodec) (SealedPage, error) {
	start := time.Now()
	sealed, err := SealPage(page, codec, s.opts.Compression, s.sealBuf)
	if err != nil {
		return SealedPage{}, err
	}
	if s.opts.Compression != 0 || !codec.Mappable() {
		s.sealBuf = sealed.Buffer[:0]
	}
	s.metrics.SzZip.Add(int64(codec.PackedSize(page.NElements)))
	s.metrics.TimeWallZip.Add(since(start))
	return sealed, nil
}

func (s *PageSink) writeSealed(ctx context.Context, physID DescriptorID, sealed SealedPage) (Locator, error) {
	start := time.Now()
	loc, err := s.backend.CommitSealedPage(ctx, physID, sealed)
	s.metrics.TimeWallWrite.Add(since(start))
	if err != nil {
		s.logger.ErrorContext(ctx, "commit page failed", "column", physID, "error", err)
		return Locator{}, fmt.Errorf("commit page of column %d: %w", physID, err)
	}
	s.metrics.NPageCommitted.Add(1)
	s.metrics.SzWritePayload.Add(int64(sealed.Size))
	return loc, nil
}

func (s *PageSink) commitSealedV(ctx context.Context, groups []SealedPageGroup) ([]Locator, error) {
	var total int
	var size int64
	for _, g := range groups {
		total += len(g.Pages)
		for _, p := range g.Pages {
			size += int64(p.Size)
		}
	}
	if total == 0 {
		return nil, nil
	}

	v, ok := s.backend.(SealedPageVCommitter)
	if !ok {
		locs := make([]Locator, 0, total)
		for _, g := range groups {
			for _, p := range g.Pages {
				loc, err := s.writeSealed(ctx, g.PhysicalColumnID, p)
				if err != nil {
					return nil, err
				}
				locs = append(locs, loc)
			}
		}
		return locs, nil
	}

	start := time.Now()
	locs, err := v.CommitSealedPageV(ctx, groups)
	s.metrics.TimeWallWrite.Add(since(start))
	if err != nil {
		s.logger.ErrorContext(ctx, "commit page batch failed", "pages", total, "error", err)
		return nil, fmt.Errorf("commit %d pages: %w", total, err)
	}
	if len(locs) != total {
		return nil, fmt.Errorf("commit %d pages: backend returned %d locators", total, len(locs))
	}
	s.metrics.NPageCommitted.Add(int64(total))
	s.metrics.SzWritePayload.Add(size)
	return locs, nil
}

// flush seals the buffered pages in parallel and commits them in order.
func (s *PageSink) flush(ctx context.Context) error {
	if len(s.buffered) == 0 {
		return nil
	}

	sealed := make([]SealedPage, len(s.buffered))
	errs := make([]error, len(s.buffered))
	tasks := make([]func(), 0, len(s.buffered))
	for i, bp := range s.buffered {
		if bp.presealed {
			sealed[i] = bp.sealed
			continue
		}
		codec := s.open[bp.physID].codec
		tasks = append(tasks, func() {
			start := time.Now()
			sealed[i], errs[i] = SealPage(bp.page, codec, s.opts.Compression, nil)
			s.metrics.SzZip.Add(int64(codec.PackedSize(bp.page.NElements)))
			s.metrics.TimeWallZip.Add(since(start))
		})
	}
	runTasks(s.opts.Scheduler, tasks)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	var groups []SealedPageGroup
	for i, bp := range s.buffered {
		if n := len(groups); n > 0 && groups[n-1].PhysicalColumnID == bp.physID {
			groups[n-1].Pages = append(groups[n-1].Pages, sealed[i])
			continue
		}
		groups = append(groups, SealedPageGroup{PhysicalColumnID: bp.physID, Pages: []SealedPage{sealed[i]}})
	}

	locs, err := s.commitSealedV(ctx, groups)
	if err != nil {
		return err
	}
	for i, bp := range s.buffered {
		oc := &s.open[bp.physID]
		oc.pages = append(oc.pages, PageInfo{NElements: sealed[i].NElements, Locator: locs[i]})
	}
	s.buffered = nil
	return nil
}

// CommitCluster closes the open cluster at the global entry number nEntries.
//
// The principal column of every top-level field must hold exactly one element
// per entry of the cluster; otherwise an *EntryCountMismatchError is returned
// and nothing changes. If the backend fails, the cluster stays open.
func (s *PageSink) CommitCluster(ctx context.Context, nEntries NTupleSize) (uint64, error) {
	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	if nEntries < s.nEntries {
		return 0, &EntryCountMismatchError{PhysicalColumnID: InvalidDescriptorID, ColumnEntries: s.nEntries, ClusterEntries: nEntries}
	}
	entries := nEntries - s.nEntries
	for _, id := range s.desc.PrincipalColumns() {
		if got := s.open[id].colRange.NElements; got != entries {
			return 0, &EntryCountMismatchError{PhysicalColumnID: id, ColumnEntries: got, ClusterEntries: entries}
		}
	}
	if entries == 0 {
		for i := range s.open {
			if n := s.open[i].colRange.NElements; n > 0 {
				return 0, &EntryCountMismatchError{PhysicalColumnID: DescriptorID(i), ColumnEntries: n, ClusterEntries: 0}
			}
		}
		return 0, nil
	}

	id := DescriptorID(len(s.desc.Clusters))
	if s.opts.Buffered {
		if err := s.flush(ctx); err != nil {
			s.observeCluster(entries, 0, err)
			return 0, fmt.Errorf("commit cluster %d: %w", id, err)
		}
	}

	nBytes, err := s.backend.CommitCluster(ctx, entries)
	if err != nil {
		s.logger.ErrorContext(ctx, "commit cluster failed", "cluster", id, "error", err)
		s.observeCluster(entries, 0, err)
		return 0, fmt.Errorf("commit cluster %d: %w", id, err)
	}

	cluster := ClusterDescriptor{
		ID:              id,
		FirstEntryIndex: s.nEntries,
		NEntries:        entries,
		ColumnRanges:    make([]ColumnRange, len(s.open)),
		PageRanges:      make([]PageRange, len(s.open)),
	}
	for i := range s.open {
		oc := &s.open[i]
		cluster.ColumnRanges[i] = oc.colRange
		cluster.PageRanges[i] = PageRange{PhysicalColumnID: DescriptorID(i), PageInfos: oc.pages}
	}
	if err := s.desc.appendCluster(cluster); err != nil {
		return 0, err
	}
	for i := range s.open {
		oc := &s.open[i]
		oc.colRange.FirstElementIndex += oc.colRange.NElements
		oc.colRange.NElements = 0
		oc.pages = nil
	}
	s.nEntries = nEntries

	s.logger.DebugContext(ctx, "cluster committed",
		"cluster", id,
		"entries", entries,
		"bytes", nBytes,
	)
	s.observeCluster(entries, nBytes, nil)
	return nBytes, nil
}

func (s *PageSink) observeCluster(entries NTupleSize, nBytes uint64, err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.CommitCluster(uint64(entries), nBytes, err)
	}
}

// CommitClusterGroup writes the page list of all clusters committed since the
// previous group. It is a no-op if there are none.
func (s *PageSink) CommitClusterGroup(ctx context.Context) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	return s.commitClusterGroup(ctx)
}

func (s *PageSink) commitClusterGroup(ctx context.Context) error {
	clusters := s.desc.Clusters[s.nextGroupCluster:]
	if len(clusters) == 0 {
		return nil
	}

	env, err := marshalEnvelope(EnvelopePageList, s.opts.Codec, s.opts.Compression, pageListPayload{Clusters: clusters})
	if err != nil {
		return err
	}
	id := DescriptorID(len(s.desc.ClusterGroups))
	loc, err := s.backend.CommitClusterGroup(ctx, env)
	if err != nil {
		s.logger.ErrorContext(ctx, "commit cluster group failed", "group", id, "error", err)
		return fmt.Errorf("commit cluster group %d: %w", id, err)
	}

	g := ClusterGroupDescriptor{
		ID:              id,
		MinEntry:        clusters[0].FirstEntryIndex,
		ClusterIDs:      make([]DescriptorID, len(clusters)),
		PageListLocator: loc,
		PageListLength:  env.Length,
	}
	for i, c := range clusters {
		g.ClusterIDs[i] = c.ID
		g.EntrySpan += c.NEntries
	}
	s.desc.ClusterGroups = append(s.desc.ClusterGroups, g)
	s.nextGroupCluster = len(s.desc.Clusters)

	s.logger.DebugContext(ctx, "cluster group committed",
		"group", id,
		"clusters", len(clusters),
		"entries", g.EntrySpan,
	)
	return nil
}

// CommitDataset commits a final cluster group and the footer. Pages of a
// cluster that was never committed are dropped.
func (s *PageSink) CommitDataset(ctx context.Context) error {
	if err := s.checkWritable(); err != nil {
		return err
	}

	var pending NTupleSize
	for i := range s.open {
		pending += s.open[i].colRange.NElements
	}
	if pending > 0 {
		s.logger.WarnContext(ctx, "dropping uncommitted pages", "elements", pending)
		for i := range s.open {
			s.open[i].colRange.NElements = 0
			s.open[i].pages = nil
		}
		s.buffered = nil
	}

	s.state = sinkFinalizing
	if err := s.commitClusterGroup(ctx); err != nil {
		s.state = sinkCommitting
		s.observeDataset(err)
		return err
	}

	footer, err := marshalEnvelope(EnvelopeFooter, s.opts.Codec, s.opts.Compression, footerPayload{
		HeaderChecksum: s.headerChecksum,
		NEntries:       s.nEntries,
		ClusterGroups:  s.desc.ClusterGroups,
	})
	if err != nil {
		s.state = sinkCommitting
		return err
	}
	if err := s.backend.CommitDataset(ctx, footer); err != nil {
		s.state = sinkCommitting
		s.logger.ErrorContext(ctx, "commit dataset failed", "error", err)
		s.observeDataset(err)
		return fmt.Errorf("commit dataset %s: %w", s.name, err)
	}
	s.state = sinkClosed

	s.logger.InfoContext(ctx, "dataset committed",
		"entries", s.nEntries,
		"clusters", len(s.desc.Clusters),
		"groups", len(s.desc.ClusterGroups),
	)
	s.observeDataset(nil)
	return nil
}

func (s *PageSink) observeDataset(err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.CommitDataset(uint64(s.nEntries), len(s.desc.Clusters), err)
	}
}

// Close releases the backend. A dataset that was not committed is abandoned.
func (s *PageSink) Close() error {
	if s.state == sinkClosed && s.backend == nil {
		return nil
	}
	s.state = sinkClosed
	b := s.backend
	s.backend = nil
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

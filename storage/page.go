package storage

import (
	"github.com/hupe1980/ntuple/internal/mem"
)

// Page is a decoded run of elements of one column.
//
// Buffer holds MaxElements*ElementSize bytes; the first NElements*ElementSize
// are valid. Pages handed out by a PageSource are read-only and must be
// returned with ReleasePage.
type Page struct {
	PhysicalColumnID DescriptorID
	Buffer           []byte
	ElementSize      int
	NElements        int
	MaxElements      int
	// RangeFirst is the global index of the first element.
	RangeFirst  NTupleSize
	ClusterInfo ClusterInfo

	key pageKey
}

// NewPage wraps buf as a page of maxElements elements.
func NewPage(physID DescriptorID, buf []byte, elementSize, maxElements int) Page {
	return Page{
		PhysicalColumnID: physID,
		Buffer:           buf,
		ElementSize:      elementSize,
		MaxElements:      maxElements,
		ClusterInfo:      ClusterInfo{ID: InvalidDescriptorID},
	}
}

// IsNull reports whether the page has no buffer.
func (p Page) IsNull() bool { return p.Buffer == nil }

// Bytes returns the valid part of the buffer.
func (p Page) Bytes() []byte { return p.Buffer[:p.NElements*p.ElementSize] }

// Full reports whether no more elements fit.
func (p Page) Full() bool { return p.NElements >= p.MaxElements }

// GrowUnchecked extends the page by n elements and returns their bytes.
// The caller ensures NElements+n <= MaxElements.
func (p *Page) GrowUnchecked(n int) []byte {
	start := p.NElements * p.ElementSize
	p.NElements += n
	return p.Buffer[start : p.NElements*p.ElementSize]
}

// Contains reports whether the global element index is on the page.
func (p Page) Contains(globalIndex NTupleSize) bool {
	return globalIndex >= p.RangeFirst && globalIndex < p.RangeFirst+NTupleSize(p.NElements)
}

// ContainsClusterIndex reports whether the cluster-relative index is on the page.
func (p Page) ContainsClusterIndex(ci ClusterIndex) bool {
	if ci.ClusterID != p.ClusterInfo.ID {
		return false
	}
	first := p.RangeFirst - p.ClusterInfo.IndexOffset
	return ci.Index >= first && ci.Index < first+NTupleSize(p.NElements)
}

// Element returns the bytes of the element at the global index.
func (p Page) Element(globalIndex NTupleSize) []byte {
	off := int(globalIndex-p.RangeFirst) * p.ElementSize
	return p.Buffer[off : off+p.ElementSize]
}

// PageAllocator provides writable page buffers to a sink.
type PageAllocator interface {
	ReservePage(column *Column, nElements int) Page
	ReleasePage(page Page)
}

// PooledPageAllocator allocates aligned page buffers and recycles released ones.
type PooledPageAllocator struct {
	pool mem.BufferPool
}

var _ PageAllocator = (*PooledPageAllocator)(nil)

// NewPooledPageAllocator returns an allocator backed by a buffer pool.
func NewPooledPageAllocator() *PooledPageAllocator {
	return &PooledPageAllocator{}
}

// ReservePage returns an empty page with room for nElements elements.
func (a *PooledPageAllocator) ReservePage(column *Column, nElements int) Page {
	size := column.ElementSize()
	buf := a.pool.Get(nElements * size)
	return NewPage(InvalidDescriptorID, buf, size, nElements)
}

// ReleasePage recycles the page buffer.
func (a *PooledPageAllocator) ReleasePage(page Page) {
	if page.Buffer != nil {
		a.pool.Put(page.Buffer)
	}
}

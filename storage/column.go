package storage

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Column describes one in-memory column representation of a field.
type Column struct {
	Type ElementType
	// Index is the position of the column within its field; 0 is the principal column.
	Index int

	codec     ElementCodec
	logicalID DescriptorID
}

// NewColumn returns a column of element type t at position index of its field.
// It panics if t has no codec.
func NewColumn(t ElementType, index int) *Column {
	c, err := CodecFor(t)
	if err != nil {
		panic(err)
	}
	return &Column{Type: t, Index: index, codec: c, logicalID: InvalidDescriptorID}
}

// Codec returns the element codec of the column.
func (c *Column) Codec() ElementCodec { return c.codec }

// ElementSize returns the in-memory size of one element.
func (c *Column) ElementSize() int { return c.codec.Size() }

// LogicalID returns the descriptor column id the column was connected to,
// or InvalidDescriptorID.
func (c *Column) LogicalID() DescriptorID { return c.logicalID }

// ColumnHandle binds a column to its physical column id within one sink or
// source session.
type ColumnHandle struct {
	PhysicalID DescriptorID
	Column     *Column
}

// Valid reports whether the handle refers to a column.
// A handle with only one of its parts set is a programming error and panics.
func (h ColumnHandle) Valid() bool {
	hasID := h.PhysicalID.Valid()
	hasColumn := h.Column != nil
	if hasID != hasColumn {
		panic(fmt.Sprintf("storage: inconsistent column handle (physical id %d, column set %t)", h.PhysicalID, hasColumn))
	}
	return hasID
}

// InvalidColumnHandle is the zero handle.
var InvalidColumnHandle = ColumnHandle{PhysicalID: InvalidDescriptorID}

// ColumnSet is a set of physical column ids.
// The zero value is an empty set.
type ColumnSet struct {
	bm *roaring64.Bitmap
}

// NewColumnSet returns a set holding ids.
func NewColumnSet(ids ...DescriptorID) ColumnSet {
	s := ColumnSet{bm: roaring64.New()}
	for _, id := range ids {
		s.bm.Add(uint64(id))
	}
	return s
}

// Add inserts id.
func (s *ColumnSet) Add(id DescriptorID) {
	if s.bm == nil {
		s.bm = roaring64.New()
	}
	s.bm.Add(uint64(id))
}

// Contains reports whether id is in the set.
func (s ColumnSet) Contains(id DescriptorID) bool {
	return s.bm != nil && s.bm.Contains(uint64(id))
}

// ContainsAll reports whether every id of other is in s.
func (s ColumnSet) ContainsAll(other ColumnSet) bool {
	if other.bm == nil || other.bm.IsEmpty() {
		return true
	}
	if s.bm == nil {
		return false
	}
	missing := other.bm.Clone()
	missing.AndNot(s.bm)
	return missing.IsEmpty()
}

// Len returns the number of ids.
func (s ColumnSet) Len() int {
	if s.bm == nil {
		return 0
	}
	return int(s.bm.GetCardinality())
}

// IDs returns the ids in ascending order.
func (s ColumnSet) IDs() []DescriptorID {
	if s.bm == nil {
		return nil
	}
	ids := make([]DescriptorID, 0, s.bm.GetCardinality())
	it := s.bm.Iterator()
	for it.HasNext() {
		ids = append(ids, DescriptorID(it.Next()))
	}
	return ids
}

// Union returns a new set with the ids of s and other.
func (s ColumnSet) Union(other ColumnSet) ColumnSet {
	out := NewColumnSet()
	if s.bm != nil {
		out.bm.Or(s.bm)
	}
	if other.bm != nil {
		out.bm.Or(other.bm)
	}
	return out
}

// Clone returns an independent copy.
func (s ColumnSet) Clone() ColumnSet {
	if s.bm == nil {
		return ColumnSet{}
	}
	return ColumnSet{bm: s.bm.Clone()}
}

// ActivePhysicalColumns reference-counts the physical columns in use by a
// source. Projected fields alias the physical columns of their source field,
// so the same id may be inserted several times.
type ActivePhysicalColumns struct {
	mu     sync.Mutex
	counts map[DescriptorID]int
}

// NewActivePhysicalColumns returns an empty tracker.
func NewActivePhysicalColumns() *ActivePhysicalColumns {
	return &ActivePhysicalColumns{counts: make(map[DescriptorID]int)}
}

// Insert increments the reference count of id.
func (a *ActivePhysicalColumns) Insert(id DescriptorID) {
	a.mu.Lock()
	a.counts[id]++
	a.mu.Unlock()
}

// Erase decrements the reference count of id and forgets it at zero.
// Erasing an unknown id is a no-op.
func (a *ActivePhysicalColumns) Erase(id DescriptorID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.counts[id]
	if !ok {
		return
	}
	if n <= 1 {
		delete(a.counts, id)
		return
	}
	a.counts[id] = n - 1
}

// Count returns the reference count of id.
func (a *ActivePhysicalColumns) Count(id DescriptorID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[id]
}

// ToColumnSet returns the ids with a non-zero reference count.
func (a *ActivePhysicalColumns) ToColumnSet() ColumnSet {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := NewColumnSet()
	for id := range a.counts {
		s.Add(id)
	}
	return s
}

package storage

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// FieldDescriptor describes one field of the schema.
type FieldDescriptor struct {
	ID       DescriptorID `json:"id"`
	ParentID DescriptorID `json:"parent"`
	Name     string       `json:"name"`
	TypeName string       `json:"type,omitempty"`
	// ProjectionSourceID is the id of the aliased field of a projected field.
	ProjectionSourceID DescriptorID   `json:"projectionOf"`
	SubFieldIDs        []DescriptorID `json:"sub,omitempty"`
	ColumnIDs          []DescriptorID `json:"columns,omitempty"`
}

// IsProjected reports whether the field aliases another field.
func (f FieldDescriptor) IsProjected() bool { return f.ProjectionSourceID.Valid() }

// ColumnDescriptor describes one column. Alias columns of projected fields
// have their own logical id and share the physical id of the aliased column.
type ColumnDescriptor struct {
	LogicalID  DescriptorID `json:"id"`
	PhysicalID DescriptorID `json:"phys"`
	FieldID    DescriptorID `json:"field"`
	Type       ElementType  `json:"type"`
	Index      int          `json:"index"`
}

// IsAlias reports whether the column aliases another column.
func (c ColumnDescriptor) IsAlias() bool { return c.LogicalID != c.PhysicalID }

// ColumnRange is the element range of one column within a cluster.
type ColumnRange struct {
	PhysicalColumnID  DescriptorID `json:"col"`
	FirstElementIndex NTupleSize   `json:"first"`
	NElements         NTupleSize   `json:"n"`
	Compression       int          `json:"compression"`
}

// Contains reports whether the global element index is in the range.
func (r ColumnRange) Contains(index NTupleSize) bool {
	return index >= r.FirstElementIndex && index < r.FirstElementIndex+r.NElements
}

// PageInfo locates one sealed page.
type PageInfo struct {
	NElements uint32  `json:"n"`
	Locator   Locator `json:"loc"`
}

// PageRange lists the pages of one column within a cluster.
type PageRange struct {
	PhysicalColumnID DescriptorID `json:"col"`
	PageInfos        []PageInfo   `json:"pages,omitempty"`
}

// Find returns the page holding the cluster-relative element index and the
// cluster-relative index of the page's first element.
func (r PageRange) Find(index NTupleSize) (pageNo int, first NTupleSize, ok bool) {
	for i, pi := range r.PageInfos {
		next := first + NTupleSize(pi.NElements)
		if index < next {
			return i, first, true
		}
		first = next
	}
	return 0, 0, false
}

// ClusterDescriptor describes a committed cluster. ColumnRanges and PageRanges
// are indexed by physical column id.
type ClusterDescriptor struct {
	ID              DescriptorID  `json:"id"`
	FirstEntryIndex NTupleSize    `json:"firstEntry"`
	NEntries        NTupleSize    `json:"nEntries"`
	ColumnRanges    []ColumnRange `json:"columns"`
	PageRanges      []PageRange   `json:"pages"`
}

// NBytesOnStorage returns the sealed size of all pages of the cluster.
func (c *ClusterDescriptor) NBytesOnStorage() uint64 {
	var n uint64
	for _, pr := range c.PageRanges {
		for _, pi := range pr.PageInfos {
			n += uint64(pi.Locator.Size)
		}
	}
	return n
}

// NPages returns the number of pages of the cluster.
func (c *ClusterDescriptor) NPages() int {
	var n int
	for _, pr := range c.PageRanges {
		n += len(pr.PageInfos)
	}
	return n
}

// ClusterGroupDescriptor describes a flushed cluster group.
type ClusterGroupDescriptor struct {
	ID              DescriptorID   `json:"id"`
	MinEntry        NTupleSize     `json:"minEntry"`
	EntrySpan       NTupleSize     `json:"entrySpan"`
	ClusterIDs      []DescriptorID `json:"clusters"`
	PageListLocator Locator        `json:"pageList"`
	PageListLength  uint64         `json:"pageListLength"`
}

// Descriptor is the schema and layout of an ntuple.
//
// Ids are dense: fields, columns and clusters are stored at the index of their
// id. Physical columns occupy the column ids 0..NPhysicalColumns()-1, alias
// columns follow.
type Descriptor struct {
	Name          string
	Description   string
	Fields        []FieldDescriptor
	Columns       []ColumnDescriptor
	Clusters      []ClusterDescriptor
	ClusterGroups []ClusterGroupDescriptor

	generation uint64
	nPhysical  int
}

// Generation returns the number of exclusive updates the descriptor has seen.
func (d *Descriptor) Generation() uint64 { return d.generation }

// IncGeneration bumps the generation counter.
func (d *Descriptor) IncGeneration() { d.generation++ }

// NPhysicalColumns returns the number of physical columns.
func (d *Descriptor) NPhysicalColumns() int { return d.nPhysical }

// NEntries returns the number of entries in all committed clusters.
func (d *Descriptor) NEntries() NTupleSize {
	if len(d.Clusters) == 0 {
		return 0
	}
	last := d.Clusters[len(d.Clusters)-1]
	return last.FirstEntryIndex + last.NEntries
}

// NElements returns the number of elements of a physical column.
func (d *Descriptor) NElements(physID DescriptorID) NTupleSize {
	if len(d.Clusters) == 0 || int(physID) >= d.nPhysical {
		return 0
	}
	r := d.Clusters[len(d.Clusters)-1].ColumnRanges[physID]
	return r.FirstElementIndex + r.NElements
}

// Field returns the field with the given id.
func (d *Descriptor) Field(id DescriptorID) (FieldDescriptor, bool) {
	if id >= DescriptorID(len(d.Fields)) {
		return FieldDescriptor{}, false
	}
	return d.Fields[id], true
}

// Column returns the column with the given logical id.
func (d *Descriptor) Column(id DescriptorID) (ColumnDescriptor, bool) {
	if id >= DescriptorID(len(d.Columns)) {
		return ColumnDescriptor{}, false
	}
	return d.Columns[id], true
}

// Cluster returns the cluster with the given id.
func (d *Descriptor) Cluster(id DescriptorID) (*ClusterDescriptor, bool) {
	if id >= DescriptorID(len(d.Clusters)) {
		return nil, false
	}
	return &d.Clusters[id], true
}

// FindFieldID resolves a dotted field path such as "jets.pt".
func (d *Descriptor) FindFieldID(path string) (DescriptorID, bool) {
	parent := InvalidDescriptorID
	found := InvalidDescriptorID
	for _, name := range strings.Split(path, ".") {
		found = InvalidDescriptorID
		for _, f := range d.Fields {
			if f.ParentID == parent && f.Name == name {
				found = f.ID
				break
			}
		}
		if !found.Valid() {
			return InvalidDescriptorID, false
		}
		parent = found
	}
	return found, true
}

// FindColumnID returns the logical id of the column at index of a field.
func (d *Descriptor) FindColumnID(fieldID DescriptorID, index int) (DescriptorID, bool) {
	f, ok := d.Field(fieldID)
	if !ok || index < 0 || index >= len(f.ColumnIDs) {
		return InvalidDescriptorID, false
	}
	return f.ColumnIDs[index], true
}

// PrincipalColumns returns the physical ids of the principal columns of all
// top-level, non-projected fields. Each holds one element per entry.
func (d *Descriptor) PrincipalColumns() []DescriptorID {
	var ids []DescriptorID
	for _, f := range d.Fields {
		if f.ParentID.Valid() || f.IsProjected() || len(f.ColumnIDs) == 0 {
			continue
		}
		ids = append(ids, d.Columns[f.ColumnIDs[0]].PhysicalID)
	}
	return ids
}

// FindClusterID returns the cluster holding the global element index of a column.
func (d *Descriptor) FindClusterID(physID DescriptorID, index NTupleSize) (DescriptorID, bool) {
	if int(physID) >= d.nPhysical {
		return InvalidDescriptorID, false
	}
	i := sort.Search(len(d.Clusters), func(i int) bool {
		r := d.Clusters[i].ColumnRanges[physID]
		return r.FirstElementIndex+r.NElements > index
	})
	if i == len(d.Clusters) {
		return InvalidDescriptorID, false
	}
	return d.Clusters[i].ID, true
}

// FindClusterIDForEntry returns the cluster holding the entry.
func (d *Descriptor) FindClusterIDForEntry(entry NTupleSize) (DescriptorID, bool) {
	i := sort.Search(len(d.Clusters), func(i int) bool {
		c := d.Clusters[i]
		return c.FirstEntryIndex+c.NEntries > entry
	})
	if i == len(d.Clusters) {
		return InvalidDescriptorID, false
	}
	return d.Clusters[i].ID, true
}

// FindNextClusterID returns the id of the cluster after id.
func (d *Descriptor) FindNextClusterID(id DescriptorID) (DescriptorID, bool) {
	if id+1 >= DescriptorID(len(d.Clusters)) {
		return InvalidDescriptorID, false
	}
	return id + 1, true
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := &Descriptor{
		Name:        d.Name,
		Description: d.Description,
		Fields:      make([]FieldDescriptor, len(d.Fields)),
		Columns:     slices.Clone(d.Columns),
		generation:  d.generation,
		nPhysical:   d.nPhysical,
	}
	for i, f := range d.Fields {
		f.SubFieldIDs = slices.Clone(f.SubFieldIDs)
		f.ColumnIDs = slices.Clone(f.ColumnIDs)
		c.Fields[i] = f
	}
	c.Clusters = make([]ClusterDescriptor, len(d.Clusters))
	for i, cl := range d.Clusters {
		c.Clusters[i] = cl.clone()
	}
	c.ClusterGroups = make([]ClusterGroupDescriptor, len(d.ClusterGroups))
	for i, g := range d.ClusterGroups {
		g.ClusterIDs = slices.Clone(g.ClusterIDs)
		c.ClusterGroups[i] = g
	}
	return c
}

func (c ClusterDescriptor) clone() ClusterDescriptor {
	c.ColumnRanges = slices.Clone(c.ColumnRanges)
	prs := make([]PageRange, len(c.PageRanges))
	for i, pr := range c.PageRanges {
		pr.PageInfos = slices.Clone(pr.PageInfos)
		prs[i] = pr
	}
	c.PageRanges = prs
	return c
}

// newDescriptor assigns ids to the fields and columns of a model.
// Regular fields are numbered depth first; projected fields follow so that
// physical column ids stay dense.
func newDescriptor(name string, m *Model) (*Descriptor, error) {
	d := &Descriptor{Name: name, Description: m.description}

	var addField func(f *Field, parent DescriptorID) DescriptorID
	addField = func(f *Field, parent DescriptorID) DescriptorID {
		id := DescriptorID(len(d.Fields))
		d.Fields = append(d.Fields, FieldDescriptor{
			ID:                 id,
			ParentID:           parent,
			Name:               f.Name,
			TypeName:           f.TypeName,
			ProjectionSourceID: InvalidDescriptorID,
		})
		for i, t := range f.Columns {
			colID := DescriptorID(len(d.Columns))
			d.Columns = append(d.Columns, ColumnDescriptor{
				LogicalID:  colID,
				PhysicalID: colID,
				FieldID:    id,
				Type:       t,
				Index:      i,
			})
			d.Fields[id].ColumnIDs = append(d.Fields[id].ColumnIDs, colID)
		}
		for _, sub := range f.SubFields {
			subID := addField(sub, id)
			d.Fields[id].SubFieldIDs = append(d.Fields[id].SubFieldIDs, subID)
		}
		return id
	}

	for _, f := range m.fields {
		addField(f, InvalidDescriptorID)
	}
	d.nPhysical = len(d.Columns)

	var addAlias func(srcID, parent DescriptorID, name string) DescriptorID
	addAlias = func(srcID, parent DescriptorID, name string) DescriptorID {
		src := d.Fields[srcID]
		id := DescriptorID(len(d.Fields))
		d.Fields = append(d.Fields, FieldDescriptor{
			ID:                 id,
			ParentID:           parent,
			Name:               name,
			TypeName:           src.TypeName,
			ProjectionSourceID: srcID,
		})
		for _, srcCol := range src.ColumnIDs {
			sc := d.Columns[srcCol]
			colID := DescriptorID(len(d.Columns))
			d.Columns = append(d.Columns, ColumnDescriptor{
				LogicalID:  colID,
				PhysicalID: sc.PhysicalID,
				FieldID:    id,
				Type:       sc.Type,
				Index:      sc.Index,
			})
			d.Fields[id].ColumnIDs = append(d.Fields[id].ColumnIDs, colID)
		}
		for _, sub := range src.SubFieldIDs {
			subID := addAlias(sub, id, d.Fields[sub].Name)
			d.Fields[id].SubFieldIDs = append(d.Fields[id].SubFieldIDs, subID)
		}
		return id
	}

	for _, p := range m.projections {
		srcID, ok := d.FindFieldID(p.source)
		if !ok {
			return nil, fmt.Errorf("projection %q: unknown source field %q", p.name, p.source)
		}
		addAlias(srcID, InvalidDescriptorID, p.name)
	}
	return d, nil
}

// validateSchema checks the id invariants of a decoded schema and derives
// the number of physical columns.
func (d *Descriptor) validateSchema() error {
	for i, f := range d.Fields {
		if f.ID != DescriptorID(i) {
			return fmt.Errorf("%w: field %d has id %d", ErrCorrupt, i, f.ID)
		}
		for _, c := range f.ColumnIDs {
			if c >= DescriptorID(len(d.Columns)) {
				return fmt.Errorf("%w: field %d references column %d", ErrCorrupt, i, c)
			}
		}
	}
	d.nPhysical = 0
	for i, c := range d.Columns {
		if c.LogicalID != DescriptorID(i) || c.FieldID >= DescriptorID(len(d.Fields)) {
			return fmt.Errorf("%w: column %d is inconsistent", ErrCorrupt, i)
		}
		if _, err := CodecFor(c.Type); err != nil {
			return fmt.Errorf("%w: column %d: %w", ErrCorrupt, i, err)
		}
		if !c.IsAlias() {
			if i != d.nPhysical {
				return fmt.Errorf("%w: physical column %d follows an alias column", ErrCorrupt, i)
			}
			d.nPhysical++
		}
	}
	for i, c := range d.Columns {
		if c.IsAlias() && int(c.PhysicalID) >= d.nPhysical {
			return fmt.Errorf("%w: alias column %d references column %d", ErrCorrupt, i, c.PhysicalID)
		}
	}
	return nil
}

// appendCluster adds a cluster after checking that it continues the entry
// and element ranges of the previous cluster.
func (d *Descriptor) appendCluster(c ClusterDescriptor) error {
	if c.ID != DescriptorID(len(d.Clusters)) {
		return fmt.Errorf("%w: cluster id %d out of order", ErrCorrupt, c.ID)
	}
	if len(c.ColumnRanges) != d.nPhysical || len(c.PageRanges) != d.nPhysical {
		return fmt.Errorf("%w: cluster %d has %d column ranges, want %d", ErrCorrupt, c.ID, len(c.ColumnRanges), d.nPhysical)
	}
	if c.FirstEntryIndex != d.NEntries() {
		return fmt.Errorf("%w: cluster %d starts at entry %d, want %d", ErrCorrupt, c.ID, c.FirstEntryIndex, d.NEntries())
	}
	for i, r := range c.ColumnRanges {
		want := d.NElements(DescriptorID(i))
		if r.PhysicalColumnID != DescriptorID(i) || r.FirstElementIndex != want {
			return fmt.Errorf("%w: cluster %d column %d starts at element %d, want %d", ErrCorrupt, c.ID, i, r.FirstElementIndex, want)
		}
		var n NTupleSize
		for _, pi := range c.PageRanges[i].PageInfos {
			n += NTupleSize(pi.NElements)
		}
		if n != r.NElements {
			return fmt.Errorf("%w: cluster %d column %d pages hold %d elements, range has %d", ErrCorrupt, c.ID, i, n, r.NElements)
		}
	}
	d.Clusters = append(d.Clusters, c)
	return nil
}

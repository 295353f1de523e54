package storage

import "sync"

// OnDiskPageKey identifies a sealed page within a cluster.
type OnDiskPageKey struct {
	PhysicalColumnID DescriptorID
	PageNo           uint64
}

// ClusterKey requests the given columns of a cluster. An empty column set
// selects the columns active at the time of the load.
type ClusterKey struct {
	ClusterID DescriptorID
	Columns   ColumnSet
}

// Cluster is the staging area of the sealed pages of a loaded cluster.
//
// A Cluster is filled by LoadClusters and read-only afterwards; concurrent
// lookups are safe.
type Cluster struct {
	id        DescriptorID
	mu        sync.RWMutex
	pages     map[OnDiskPageKey]SealedPage
	available ColumnSet
	nBytes    int64
	release   func()
}

// NewCluster returns an empty cluster.
func NewCluster(id DescriptorID) *Cluster {
	return &Cluster{id: id, pages: make(map[OnDiskPageKey]SealedPage)}
}

// ID returns the cluster id.
func (c *Cluster) ID() DescriptorID { return c.id }

// Insert stages a sealed page.
func (c *Cluster) Insert(key OnDiskPageKey, sealed SealedPage) {
	c.mu.Lock()
	c.pages[key] = sealed
	c.mu.Unlock()
}

// OnDiskPage returns a staged page.
func (c *Cluster) OnDiskPage(key OnDiskPageKey) (SealedPage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pages[key]
	return p, ok
}

// NOnDiskPages returns the number of staged pages.
func (c *Cluster) NOnDiskPages() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

// SetColumnAvailable marks all pages of a column as staged. Columns without
// pages in this cluster are available too.
func (c *Cluster) SetColumnAvailable(physID DescriptorID) {
	c.mu.Lock()
	c.available.Add(physID)
	c.mu.Unlock()
}

// ContainsColumn reports whether the pages of the column are staged.
func (c *Cluster) ContainsColumn(physID DescriptorID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.Contains(physID)
}

// AvailableColumns returns a copy of the set of staged columns.
func (c *Cluster) AvailableColumns() ColumnSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.Clone()
}

// Size returns the number of staged bytes.
func (c *Cluster) Size() int64 { return c.nBytes }

// Release gives back the memory accounted for the cluster. It is safe to call
// more than once.
func (c *Cluster) Release() {
	c.mu.Lock()
	release := c.release
	c.release = nil
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

package storage

import (
	"hash/maphash"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

type pageKey struct {
	physID    DescriptorID
	clusterID DescriptorID
	pageNo    uint64
}

type poolEntry struct {
	page Page
	refs int
}

// PagePool keeps track of the decoded pages handed out by a source.
//
// Pages in use are reference counted so that concurrent readers of the same
// page share one buffer. Pages that are no longer in use, and pages preloaded
// by UnzipCluster, are kept in a cost-bounded cache (cost = buffer bytes).
type PagePool struct {
	mu    sync.Mutex
	inUse map[pageKey]*poolEntry
	cache *ristretto.Cache[uint64, *Page]
	seed  maphash.Seed
}

// NewPagePool returns a pool caching up to maxBytes of unused pages. With
// maxBytes <= 0 unused pages are dropped.
func NewPagePool(maxBytes int64) (*PagePool, error) {
	p := &PagePool{
		inUse: make(map[pageKey]*poolEntry),
		seed:  maphash.MakeSeed(),
	}
	if maxBytes <= 0 {
		return p, nil
	}
	// Roughly ten counters per cached 64 KiB page.
	counters := max(maxBytes/(64*1024)*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *Page]{
		NumCounters:        counters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

func (p *PagePool) hash(k pageKey) uint64 {
	return maphash.Comparable(p.seed, k)
}

// get returns the page for k and takes a reference.
func (p *PagePool) get(k pageKey) (Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.inUse[k]; ok {
		e.refs++
		return e.page, true
	}
	if p.cache == nil {
		return Page{}, false
	}
	h := p.hash(k)
	cached, ok := p.cache.Get(h)
	if !ok || cached.key != k {
		return Page{}, false
	}
	p.cache.Del(h)
	p.inUse[k] = &poolEntry{page: *cached, refs: 1}
	return *cached, true
}

// register adds a freshly populated page with one reference. If another
// goroutine registered the same page first, that page is returned instead.
func (p *PagePool) register(page Page) Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.inUse[page.key]; ok {
		e.refs++
		return e.page
	}
	p.inUse[page.key] = &poolEntry{page: page, refs: 1}
	return page
}

// preload caches a page nobody holds yet.
func (p *PagePool) preload(page Page) {
	if p.cache == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[page.key]; ok {
		return
	}
	p.cache.Set(p.hash(page.key), &page, int64(len(page.Buffer)))
}

// Return drops a reference to page. The last reference moves the page to the
// cache.
func (p *PagePool) Return(page Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.inUse[page.key]
	if !ok || page.IsNull() {
		return ErrUnknownPage
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(p.inUse, page.key)
	if p.cache != nil {
		cp := e.page
		p.cache.Set(p.hash(cp.key), &cp, int64(len(cp.Buffer)))
	}
	return nil
}

// InUse returns the number of distinct pages currently handed out.
func (p *PagePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Wait blocks until pending cache writes are applied.
func (p *PagePool) Wait() {
	if p.cache != nil {
		p.cache.Wait()
	}
}

// cached reports whether an unused copy of the page is cached.
func (p *PagePool) cached(k pageKey) bool {
	if p.cache == nil {
		return false
	}
	v, ok := p.cache.Get(p.hash(k))
	return ok && v.key == k
}

// Clear drops the unused cached pages. Pages in use stay registered.
func (p *PagePool) Clear() {
	if p.cache != nil {
		p.cache.Clear()
	}
}

// Close drops all cached pages.
func (p *PagePool) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

package storage

import (
	"context"
	"sync"
)

type poolCluster struct {
	ready   chan struct{}
	columns ColumnSet
	cluster *Cluster
	err     error
}

type loadRequest struct {
	id    DescriptorID
	entry *poolCluster
}

// ClusterPool loads clusters of a source in the background. A request for a
// cluster schedules the clusters of the read-ahead window [id, id+bunch)
// that are not loaded yet, and drops clusters before id.
//
// Loaded clusters are unzipped into the page pool of the source when it has a
// task scheduler.
type ClusterPool struct {
	src   *PageSource
	bunch int

	mu      sync.Mutex
	entries map[DescriptorID]*poolCluster
	queue   []loadRequest
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClusterPool(src *PageSource, bunch int) *ClusterPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ClusterPool{
		src:     src,
		bunch:   max(bunch, 1),
		entries: make(map[DescriptorID]*poolCluster),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// GetCluster returns the cluster with at least the given columns staged,
// waiting for the background loader if necessary.
func (p *ClusterPool) GetCluster(ctx context.Context, id DescriptorID, columns ColumnSet) (*Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g := p.src.lock.shared()
	nClusters := DescriptorID(len(g.Descriptor().Clusters))
	g.Release()
	if id >= nClusters {
		return nil, ErrUnknownPage
	}

	p.mu.Lock()
	for cid, e := range p.entries {
		if cid < id {
			delete(p.entries, cid)
			releaseEntry(e)
		}
	}

	var wanted *poolCluster
	scheduled := false
	for cid := id; cid < id+DescriptorID(p.bunch) && cid < nClusters; cid++ {
		e, ok := p.entries[cid]
		if ok && e.columns.ContainsAll(columns) {
			if cid == id {
				wanted = e
			}
			continue
		}
		cols := columns.Clone()
		if ok {
			cols = e.columns.Union(columns)
			releaseEntry(e)
		}
		ne := &poolCluster{ready: make(chan struct{}), columns: cols}
		p.entries[cid] = ne
		p.queue = append(p.queue, loadRequest{id: cid, entry: ne})
		scheduled = true
		if cid == id {
			wanted = ne
		}
	}
	p.mu.Unlock()

	if scheduled {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	select {
	case <-wanted.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrClosed
	}
	if wanted.err != nil {
		return nil, wanted.err
	}
	return wanted.cluster, nil
}

// releaseEntry releases the cluster of e once it is loaded.
func releaseEntry(e *poolCluster) {
	select {
	case <-e.ready:
		if e.cluster != nil {
			e.cluster.Release()
		}
	default:
	}
}

func (p *ClusterPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()
		if len(batch) > 0 {
			p.load(batch)
		}
	}
}

func (p *ClusterPool) load(batch []loadRequest) {
	rc := p.src.opts.Resources
	if err := rc.AcquireBackground(p.ctx); err != nil {
		p.finish(batch, nil, err)
		return
	}
	defer rc.ReleaseBackground()

	keys := make([]ClusterKey, len(batch))
	for i, r := range batch {
		keys[i] = ClusterKey{ClusterID: r.id, Columns: r.entry.columns}
	}
	clusters, err := p.src.LoadClusters(p.ctx, keys)
	p.finish(batch, clusters, err)
	if err != nil {
		return
	}

	for _, c := range clusters {
		if err := p.src.UnzipCluster(p.ctx, c); err != nil && p.ctx.Err() == nil {
			p.src.logger.WarnContext(p.ctx, "unzip cluster failed", "cluster", c.ID(), "error", err)
		}
	}
}

// finish publishes the result of a load. Entries that were evicted or replaced
// while loading give their memory back right away; failed entries are removed
// so that the next request retries.
func (p *ClusterPool) finish(batch []loadRequest, clusters []*Cluster, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range batch {
		if err != nil {
			r.entry.err = err
		} else {
			r.entry.cluster = clusters[i]
		}
		close(r.entry.ready)

		current := p.entries[r.id] == r.entry
		switch {
		case err != nil && current:
			delete(p.entries, r.id)
		case err == nil && !current:
			r.entry.cluster.Release()
		}
	}
}

// Len returns the number of clusters in the pool.
func (p *ClusterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the background loader and releases all clusters.
func (p *ClusterPool) Close() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		releaseEntry(e)
		delete(p.entries, id)
	}
	p.queue = nil
}

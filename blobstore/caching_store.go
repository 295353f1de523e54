package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/hupe1980/ntuple/internal/cache"
	"golang.org/x/sync/errgroup"
)

// CachingStore wraps a BlobStore and adds block-level read caching.
// Ntuple blobs are immutable once written, so cached blocks only need
// invalidation when a name is overwritten or deleted. Blocks are keyed by
// ntuple, object and block index.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

// NewCachingStore creates a new CachingStore.
// blockSize defaults to 64KiB if <= 0.
func NewCachingStore(inner BlobStore, c cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	return &CachingStore{
		inner:     inner,
		cache:     c,
		blockSize: blockSize,
	}
}

// Open opens a blob whose reads go through the block cache. The CURRENT
// pointer is rewritten in place and is always read from the inner store.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil || !cache.Cacheable(name) {
		return b, err
	}
	return &CachingBlob{
		inner:     b,
		cache:     s.cache,
		name:      name,
		blockSize: s.blockSize,
	}, nil
}

// Create passes through; the name's cached blocks are dropped.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	s.cache.Invalidate(cache.InvalidateBlob(name))
	return s.inner.Create(ctx, name)
}

// Put writes through and drops the name's cached blocks.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.cache.Invalidate(cache.InvalidateBlob(name))
	return s.inner.Put(ctx, name, data)
}

// Delete removes the blob and its cached blocks.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.Invalidate(cache.InvalidateBlob(name))
	return s.inner.Delete(ctx, name)
}

// List passes through.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// CachingBlob wraps a Blob and uses the block cache for reads.
type CachingBlob struct {
	inner     Blob
	cache     cache.BlockCache
	name      string
	blockSize int64
}

func (b *CachingBlob) Close() error { return b.inner.Close() }

func (b *CachingBlob) Size() int64 { return b.inner.Size() }

func (b *CachingBlob) key(blk int64) cache.CacheKey {
	return cache.BlobKey(b.name, uint64(blk))
}

// ReadAt assembles the requested range from cached blocks, fetching missing
// runs of blocks from the inner blob first.
func (b *CachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	size := b.Size()
	if off < 0 || off >= size {
		return 0, io.EOF
	}

	want := min(int64(len(p)), size-off)
	startBlock := off / b.blockSize
	endBlock := (off + want - 1) / b.blockSize

	if err := b.fillCache(ctx, startBlock, endBlock); err != nil {
		return 0, err
	}

	total := 0
	for blk := startBlock; blk <= endBlock; blk++ {
		blkStart := blk * b.blockSize
		lo := max(blkStart, off)
		hi := min(blkStart+b.blockSize, off+want)

		data, err := b.fetchBlock(ctx, blk)
		if err != nil {
			return total, err
		}
		src := lo - blkStart
		if src >= int64(len(data)) {
			break
		}
		n := copy(p[lo-off:hi-off], data[src:])
		total += n
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

type blockRun struct {
	start, count int64
}

// fillCache loads the blocks in [startBlock, endBlock] that are not cached,
// fetching each contiguous run of missing blocks with a single inner read.
func (b *CachingBlob) fillCache(ctx context.Context, startBlock, endBlock int64) error {
	var runs []blockRun
	for blk := startBlock; blk <= endBlock; blk++ {
		if _, ok := b.cache.Get(ctx, b.key(blk)); ok {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].start+runs[n-1].count == blk {
			runs[n-1].count++
		} else {
			runs = append(runs, blockRun{start: blk, count: 1})
		}
	}
	if len(runs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)

	size := b.Size()
	for _, run := range runs {
		g.Go(func() error {
			byteStart := run.start * b.blockSize
			byteSize := min(run.count*b.blockSize, size-byteStart)
			if byteSize <= 0 {
				return nil
			}

			buf := make([]byte, byteSize)
			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			buf = buf[:n]

			for i := range run.count {
				lo := i * b.blockSize
				if lo >= int64(len(buf)) {
					break
				}
				hi := min(lo+b.blockSize, int64(len(buf)))
				// Copy so a cached block does not pin the whole run buffer.
				block := make([]byte, hi-lo)
				copy(block, buf[lo:hi])
				b.cache.Set(gctx, b.key(run.start+i), block)
			}
			return nil
		})
	}
	return g.Wait()
}

// fetchBlock returns a block from the cache, reading it from the inner blob
// when it was evicted in between.
func (b *CachingBlob) fetchBlock(ctx context.Context, blk int64) ([]byte, error) {
	key := b.key(blk)
	if data, ok := b.cache.Get(ctx, key); ok {
		return data, nil
	}

	buf := make([]byte, b.blockSize)
	n, err := b.inner.ReadAt(ctx, buf, blk*b.blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	data := buf[:n]
	if n > 0 {
		b.cache.Set(ctx, key, data)
	}
	return data, nil
}

// ReadRange serves the range through the block cache.
func (b *CachingBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	start, end, err := rangeOf(b.Size(), off, length)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(&contextSectionReader{blob: b, ctx: ctx, off: start, limit: end}), nil
}

// contextSectionReader adapts CachingBlob.ReadAt to io.Reader.
type contextSectionReader struct {
	blob  *CachingBlob
	ctx   context.Context
	off   int64
	limit int64
}

func (r *contextSectionReader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

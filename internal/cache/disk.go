package cache

import (
	"container/list"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	ifs "github.com/hupe1980/ntuple/internal/fs"
	"golang.org/x/sync/semaphore"
)

const (
	ntupleDirPrefix = "n-"
	looseDir        = "loose"
	blockSuffix     = ".blk"
	tmpSuffix       = ".tmp"
)

// DiskCacheConfig holds configuration for the disk cache.
type DiskCacheConfig struct {
	// RootDir is the directory where cache files are stored.
	RootDir string
	// MaxSizeBytes is the maximum size of the cache in bytes.
	MaxSizeBytes int64
	// MaxConcurrentWrites limits background disk writes. Defaults to 16.
	MaxConcurrentWrites int64
	// FS is used for writes and removals. Defaults to the os file system.
	FS ifs.FileSystem
}

// DiskBlockCache keeps blocks of remote ntuple objects on local disk, one
// file per block:
//
//	<root>/n-<ntuple>/<object>/<block>.blk
//	<root>/loose/<object>/<block>.blk
//
// so that every cluster blob maps to one directory. Blocks are written in the background
// and become visible once renamed into place. The index is an LRU rebuilt
// from the directory on startup.
type DiskBlockCache struct {
	root    string
	maxSize int64
	fs      ifs.FileSystem
	writes  *semaphore.Weighted
	wg      sync.WaitGroup
	seq     atomic.Uint64

	mu    sync.Mutex
	size  int64
	items map[CacheKey]*list.Element
	lru   *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type diskEntry struct {
	key  CacheKey
	size int64
}

// NewDiskBlockCache opens or creates a disk cache under config.RootDir.
func NewDiskBlockCache(config DiskCacheConfig) (*DiskBlockCache, error) {
	if err := os.MkdirAll(config.RootDir, 0o755); err != nil {
		return nil, err
	}
	writes := config.MaxConcurrentWrites
	if writes <= 0 {
		writes = 16
	}
	fsys := config.FS
	if fsys == nil {
		fsys = ifs.Default
	}

	c := &DiskBlockCache{
		root:    config.RootDir,
		maxSize: config.MaxSizeBytes,
		fs:      fsys,
		writes:  semaphore.NewWeighted(writes),
		items:   make(map[CacheKey]*list.Element),
		lru:     list.New(),
	}
	if err := c.scan(); err != nil {
		return nil, fmt.Errorf("scan disk cache: %w", err)
	}
	return c, nil
}

func (c *DiskBlockCache) path(k CacheKey) string {
	dir := looseDir
	if k.NTuple != "" {
		dir = ntupleDirPrefix + k.NTuple
	}
	return filepath.Join(c.root, dir, k.Object, strconv.FormatUint(k.Block, 10)+blockSuffix)
}

// keyOf parses a path written by path. Leftover temporary files and foreign
// files are not keys.
func (c *DiskBlockCache) keyOf(p string) (CacheKey, bool) {
	rel, err := filepath.Rel(c.root, p)
	if err != nil {
		return CacheKey{}, false
	}
	// Ntuple names may contain slashes, object names never do.
	parts := strings.Split(filepath.ToSlash(rel), "/")
	n := len(parts)
	if n < 3 || !strings.HasSuffix(parts[n-1], blockSuffix) {
		return CacheKey{}, false
	}
	block, err := strconv.ParseUint(strings.TrimSuffix(parts[n-1], blockSuffix), 10, 64)
	if err != nil {
		return CacheKey{}, false
	}

	k := CacheKey{Object: parts[n-2], Block: block}
	dir := strings.Join(parts[:n-2], "/")
	switch {
	case dir == looseDir:
	case strings.HasPrefix(dir, ntupleDirPrefix):
		k.NTuple = strings.TrimPrefix(dir, ntupleDirPrefix)
	default:
		return CacheKey{}, false
	}
	return k, true
}

func (c *DiskBlockCache) scan() error {
	return filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(p, tmpSuffix) {
			_ = c.fs.Remove(p)
			return nil
		}
		k, ok := c.keyOf(p)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // removed while scanning
		}
		c.add(k, info.Size())
		return nil
	})
}

// Get reads a cached block from disk.
func (c *DiskBlockCache) Get(_ context.Context, key CacheKey) ([]byte, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.lru.MoveToFront(el)
	}
	c.mu.Unlock()

	if ok {
		data, err := os.ReadFile(c.path(key))
		if err == nil {
			c.hits.Add(1)
			return data, true
		}
		// Removed behind our back.
		c.mu.Lock()
		if el, ok := c.items[key]; ok {
			c.remove(el)
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	return nil, false
}

// Set writes the block in the background. Blocks larger than the cache, and
// blocks arriving while all writers are busy, are skipped.
func (c *DiskBlockCache) Set(_ context.Context, key CacheKey, b []byte) {
	size := int64(len(b))
	if size > c.maxSize {
		return
	}
	c.mu.Lock()
	_, exists := c.items[key]
	c.mu.Unlock()
	if exists || !c.writes.TryAcquire(1) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.writes.Release(1)

		final := c.path(key)
		if err := c.write(final, b); err != nil {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.items[key]; ok {
			return
		}
		for c.size+size > c.maxSize && c.lru.Len() > 0 {
			c.evict(c.lru.Back())
		}
		c.add(key, size)
	}()
}

func (c *DiskBlockCache) write(final string, b []byte) error {
	tmp := fmt.Sprintf("%s.%d%s", final, c.seq.Add(1), tmpSuffix)
	f, err := c.fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = c.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = c.fs.Remove(tmp)
		return err
	}
	return ifs.Publish(c.fs, tmp, final)
}

// Invalidate removes matching blocks and their files.
func (c *DiskBlockCache) Invalidate(predicate func(key CacheKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, el := range c.items {
		if predicate(k) {
			c.evict(el)
		}
	}
}

// Flush waits for in-flight background writes.
func (c *DiskBlockCache) Flush() {
	c.wg.Wait()
}

// Close waits for background writes. The files stay for the next process.
func (c *DiskBlockCache) Close() error {
	c.wg.Wait()
	return nil
}

// Stats returns hit and miss counters.
func (c *DiskBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the bytes currently indexed.
func (c *DiskBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// add, remove and evict must be called with mu held.

func (c *DiskBlockCache) add(k CacheKey, size int64) {
	c.items[k] = c.lru.PushFront(&diskEntry{key: k, size: size})
	c.size += size
}

func (c *DiskBlockCache) remove(el *list.Element) {
	e := c.lru.Remove(el).(*diskEntry)
	delete(c.items, e.key)
	c.size -= e.size
}

func (c *DiskBlockCache) evict(el *list.Element) {
	_ = c.fs.Remove(c.path(el.Value.(*diskEntry).key))
	c.remove(el)
}

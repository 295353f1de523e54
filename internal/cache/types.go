package cache

import (
	"context"
	"strings"
)

// CacheKey identifies one block of a write-once ntuple object.
type CacheKey struct {
	// NTuple is the ntuple the object belongs to, empty for loose blobs.
	NTuple string
	// Object is the blob inside the ntuple: header, cluster-NNNNNNNN,
	// pagelist-NNNN or footer-<uuid>.
	Object string
	// Block is the index of the block inside the object.
	Block uint64
}

// BlobKey returns the key of block n of the blob "<ntuple>/<object>".
func BlobKey(blob string, n uint64) CacheKey {
	i := strings.LastIndexByte(blob, '/')
	if i < 0 {
		return CacheKey{Object: blob, Block: n}
	}
	return CacheKey{NTuple: blob[:i], Object: blob[i+1:], Block: n}
}

// Blob returns the blob name of the key.
func (k CacheKey) Blob() string {
	if k.NTuple == "" {
		return k.Object
	}
	return k.NTuple + "/" + k.Object
}

// pointerObject is rewritten by every dataset commit.
const pointerObject = "CURRENT"

// Cacheable reports whether blocks of the blob may be cached. Every ntuple
// object is write-once except the CURRENT pointer.
func Cacheable(blob string) bool {
	return BlobKey(blob, 0).Object != pointerObject
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a block. Implementations may copy or retain; caller must treat b as immutable.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// Close releases any resources (e.g. background writers).
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}

// InvalidateBlob matches every block of one blob.
func InvalidateBlob(blob string) func(CacheKey) bool {
	return func(k CacheKey) bool { return k.Blob() == blob }
}

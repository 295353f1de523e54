package blobstore

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/hupe1980/ntuple/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore records reads against a MemoryStore.
type countingStore struct {
	*MemoryStore
	mu        sync.Mutex
	reads     int
	readBytes int
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.MemoryStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, s: s}, nil
}

type countingBlob struct {
	Blob
	s *countingStore
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.s.mu.Lock()
	b.s.reads++
	b.s.readBytes += n
	b.s.mu.Unlock()
	return n, err
}

func newCountingStore(t *testing.T, name string, data []byte) *countingStore {
	t.Helper()
	s := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, s.Put(context.Background(), name, data))
	return s
}

func TestCachingStore_ReadAt(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	inner := newCountingStore(t, "test", data)
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024*1024, nil), 256)
	ctx := context.Background()

	blob, err := store.Open(ctx, "test")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Equal(t, 1, inner.reads)
	assert.Equal(t, 256, inner.readBytes)

	// Cached.
	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reads)

	// Spans block 0 (cached) and block 1 (missing).
	n, err = blob.ReadAt(ctx, buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[200:300], buf)
	assert.Equal(t, 2, inner.reads)
	assert.Equal(t, 512, inner.readBytes)

	// Blocks 2 and 3 are fetched as one run.
	big := make([]byte, 512)
	n, err = blob.ReadAt(ctx, big, 512)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, data[512:], big)
	assert.Equal(t, 3, inner.reads)
}

func TestCachingStore_ShortRead(t *testing.T) {
	inner := newCountingStore(t, "small", []byte("hello"))
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024, nil), 256)
	ctx := context.Background()

	blob, err := store.Open(ctx, "small")
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = blob.ReadAt(ctx, buf, 5)
	assert.ErrorIs(t, err, io.EOF)

	rc, err := blob.ReadRange(ctx, 1, 100)
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ello", string(content))
}

func TestCachingStore_InvalidateOnOverwrite(t *testing.T) {
	inner := newCountingStore(t, "hdr", []byte("v1"))
	store := NewCachingStore(inner, cache.NewShardedLRUBlockCache(1<<20, nil), 0)
	ctx := context.Background()

	got, err := ReadAll(ctx, store, "hdr")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, store.Put(ctx, "hdr", []byte("v2")))
	got, err = ReadAll(ctx, store, "hdr")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, store.Delete(ctx, "hdr"))
	_, err = store.Open(ctx, "hdr")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCachingStore_PointerNotCached(t *testing.T) {
	inner := newCountingStore(t, "events/CURRENT", []byte("footer-a"))
	require.NoError(t, inner.Put(context.Background(), "events/cluster-00000000", []byte("pages")))
	c := cache.NewLRUBlockCache(1<<20, nil)
	store := NewCachingStore(inner, c, 0)
	ctx := context.Background()

	got, err := ReadAll(ctx, store, "events/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "footer-a", string(got))

	// Another writer commits behind the cache.
	require.NoError(t, inner.Put(ctx, "events/CURRENT", []byte("footer-b")))
	got, err = ReadAll(ctx, store, "events/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "footer-b", string(got))

	_, err = ReadAll(ctx, store, "events/cluster-00000000")
	require.NoError(t, err)
	_, ok := c.Get(ctx, cache.CacheKey{NTuple: "events", Object: "cluster-00000000"})
	assert.True(t, ok)
	_, ok = c.Get(ctx, cache.CacheKey{NTuple: "events", Object: "CURRENT"})
	assert.False(t, ok)
}

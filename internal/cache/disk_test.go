package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	ifs "github.com/hupe1980/ntuple/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskBlockCache(t *testing.T) {
	tmpDir := t.TempDir()
	c, err := NewDiskBlockCache(DiskCacheConfig{RootDir: tmpDir, MaxSizeBytes: 1024})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	key1 := BlobKey("events/cluster-00000000", 0)
	c.Set(ctx, key1, make([]byte, 400))
	c.Flush()

	assert.FileExists(t, c.path(key1))

	got, ok := c.Get(ctx, key1)
	require.True(t, ok)
	assert.Len(t, got, 400)

	key2 := BlobKey("events/cluster-00000000", 1)
	c.Set(ctx, key2, make([]byte, 400))
	c.Flush()

	// Touch key1 so key2 is the eviction victim.
	_, _ = c.Get(ctx, key1)

	key3 := BlobKey("events/cluster-00000000", 2)
	c.Set(ctx, key3, make([]byte, 400))
	c.Flush()

	_, ok = c.Get(ctx, key2)
	assert.False(t, ok, "least recently used block should be evicted")
	assert.NoFileExists(t, c.path(key2))

	_, ok = c.Get(ctx, key1)
	assert.True(t, ok)
	_, ok = c.Get(ctx, key3)
	assert.True(t, ok)
	assert.Equal(t, int64(800), c.Size())
}

func TestDiskBlockCache_TooLarge(t *testing.T) {
	c, err := NewDiskBlockCache(DiskCacheConfig{RootDir: t.TempDir(), MaxSizeBytes: 10})
	require.NoError(t, err)

	key := BlobKey("events/header", 0)
	c.Set(context.Background(), key, make([]byte, 11))
	c.Flush()
	_, ok := c.Get(context.Background(), key)
	assert.False(t, ok)
}

func TestDiskBlockCache_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	config := DiskCacheConfig{RootDir: tmpDir, MaxSizeBytes: 10000}
	key := BlobKey("runs/events/footer-0001", 7)
	loose := BlobKey("header", 1)

	c, err := NewDiskBlockCache(config)
	require.NoError(t, err)
	c.Set(context.Background(), key, []byte("hello"))
	c.Set(context.Background(), loose, []byte("abc"))
	require.NoError(t, c.Close())

	// Leftovers of an interrupted write and foreign files are not blocks.
	require.NoError(t, os.WriteFile(c.path(key)+".9.tmp", []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "README"), []byte("x"), 0o644))

	c2, err := NewDiskBlockCache(config)
	require.NoError(t, err)
	got, ok := c2.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))
	got, ok = c2.Get(context.Background(), loose)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, int64(8), c2.Size())
	assert.NoFileExists(t, c.path(key)+".9.tmp")
}

func TestDiskBlockCache_Layout(t *testing.T) {
	tmpDir := t.TempDir()
	c, err := NewDiskBlockCache(DiskCacheConfig{RootDir: tmpDir, MaxSizeBytes: 10000})
	require.NoError(t, err)

	ctx := context.Background()
	key := BlobKey("runs/events/cluster-00000003", 3)
	c.Set(ctx, key, []byte("data"))
	c.Set(ctx, BlobKey("runs/events/cluster-00000004", 0), []byte("more"))
	c.Flush()

	p := filepath.Join(tmpDir, "n-runs/events", "cluster-00000003", "3.blk")
	assert.FileExists(t, p)
	k, ok := c.keyOf(p)
	require.True(t, ok)
	assert.Equal(t, key, k)
	assert.Equal(t, "runs/events/cluster-00000003", k.Blob())

	c.Invalidate(InvalidateBlob("runs/events/cluster-00000003"))
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
	assert.NoFileExists(t, p)
	_, ok = c.Get(ctx, BlobKey("runs/events/cluster-00000004", 0))
	assert.True(t, ok)
}

func TestDiskBlockCache_FailedWrite(t *testing.T) {
	faulty := ifs.NewFaultyFS(nil)
	faulty.AddRule(".blk", ifs.Fault{FailAfterBytes: -1, FailOnRename: true, Err: errors.New("disk full")})
	c, err := NewDiskBlockCache(DiskCacheConfig{RootDir: t.TempDir(), MaxSizeBytes: 100, FS: faulty})
	require.NoError(t, err)

	key := BlobKey("events/header", 0)
	c.Set(context.Background(), key, []byte("hdr"))
	c.Flush()

	_, ok := c.Get(context.Background(), key)
	assert.False(t, ok)
	assert.Zero(t, c.Size())
	assert.NoFileExists(t, c.path(key))
}

package blob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hupe1980/ntuple/blobstore"
	"github.com/hupe1980/ntuple/internal/cache"
	"github.com/hupe1980/ntuple/internal/fs"
	"github.com/hupe1980/ntuple/storage"
	"github.com/hupe1980/ntuple/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected")

// failStore fails writes of blobs whose name contains a pattern.
type failStore struct {
	blobstore.BlobStore

	mu       sync.Mutex
	patterns []string
}

func (s *failStore) failOn(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, pattern)
}

func (s *failStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = nil
}

func (s *failStore) check(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if strings.Contains(name, p) {
			return errInjected
		}
	}
	return nil
}

func (s *failStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if err := s.check(name); err != nil {
		return nil, err
	}
	return s.BlobStore.Create(ctx, name)
}

func (s *failStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.check(name); err != nil {
		return err
	}
	return s.BlobStore.Put(ctx, name, data)
}

func openSource(t *testing.T, backend storage.SourceBackend, opts ...storage.ReadOption) *storage.PageSource {
	t.Helper()
	src, err := storage.NewPageSource("events", backend, opts...)
	require.NoError(t, err)
	require.NoError(t, src.Attach(context.Background()))
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestRoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) blobstore.BlobStore{
		"memory": func(*testing.T) blobstore.BlobStore { return blobstore.NewMemoryStore() },
		"local":  func(t *testing.T) blobstore.BlobStore { return blobstore.NewLocalStore(t.TempDir()) },
		"caching": func(*testing.T) blobstore.BlobStore {
			return blobstore.NewCachingStore(blobstore.NewMemoryStore(), cache.NewLRUBlockCache(1<<20, nil), 256)
		},
	}
	readOpts := map[string][]storage.ReadOption{
		"default":  nil,
		"no cache": {storage.WithClusterCache(false)},
		"bunch":    {storage.WithClusterBunchSize(3), storage.WithReadScheduler(storage.NewGroupScheduler(4))},
	}

	for storeName, newStore := range stores {
		for optName, opts := range readOpts {
			t.Run(storeName+"/"+optName, func(t *testing.T) {
				store := newStore(t)
				ds := testutil.NewDataset(testutil.NewRNG(4711), 5, 12, 20, 21, 30)
				desc := ds.Write(t, New(store, "events"), 2)
				require.Len(t, desc.ClusterGroups, 3)

				src := openSource(t, New(store, "events"), opts...)
				ds.Verify(t, src, 5)
			})
		}
	}
}

func TestLayout(t *testing.T) {
	store := blobstore.NewMemoryStore()
	ds := testutil.NewDataset(testutil.NewRNG(1), 3, 8)
	ds.Write(t, New(store, "runs/events"), 1)

	names, err := store.List(context.Background(), "runs/events/")
	require.NoError(t, err)

	var footers int
	for _, n := range names {
		if strings.HasPrefix(n, "runs/events/footer-") {
			footers++
		}
	}
	assert.Equal(t, 1, footers)
	assert.Contains(t, names, "runs/events/header")
	assert.Contains(t, names, "runs/events/CURRENT")
	assert.Contains(t, names, "runs/events/cluster-00000000")
	assert.Contains(t, names, "runs/events/cluster-00000001")
	assert.Contains(t, names, "runs/events/pagelist-0000")
	assert.Contains(t, names, "runs/events/pagelist-0001")
}

func TestZeroCopyReads(t *testing.T) {
	ds := testutil.NewDataset(testutil.NewRNG(2), 10, 20)

	t.Run("mappable", func(t *testing.T) {
		store := blobstore.NewMemoryStore()
		ds.Write(t, New(store, "events"), 0)

		src := openSource(t, New(store, "events"), storage.WithClusterCache(false))
		ds.Verify(t, src, 2)
		assert.Zero(t, src.Metrics().NReadV.Load())
	})

	t.Run("not mappable", func(t *testing.T) {
		store := blobstore.NewCachingStore(blobstore.NewMemoryStore(), cache.NewLRUBlockCache(1<<20, nil), 512)
		ds.Write(t, New(store, "events"), 0)

		src := openSource(t, New(store, "events"), storage.WithClusterCache(false))
		ds.Verify(t, src, 2)
		assert.Positive(t, src.Metrics().NReadV.Load())
	})
}

func TestCoalesce(t *testing.T) {
	req := func(obj string, pos uint64, size uint32) storage.ReadRequest {
		return storage.ReadRequest{
			Locator: storage.Locator{Type: storage.LocatorObject, Object: obj, Position: pos, Size: size},
			Buffer:  make([]byte, size),
		}
	}
	reqs := []storage.ReadRequest{
		req("a", 100, 10),
		req("b", 0, 5),
		req("a", 0, 10),
		req("a", 10, 10),
	}

	t.Run("gap", func(t *testing.T) {
		spans, overhead := coalesce(reqs, 100)
		require.Len(t, spans, 2)
		assert.Equal(t, "a", spans[0].object)
		assert.Equal(t, uint64(0), spans[0].off)
		assert.Equal(t, uint64(110), spans[0].end)
		assert.Len(t, spans[0].reqs, 3)
		assert.Equal(t, "b", spans[1].object)
		assert.Equal(t, uint64(80), overhead)
	})

	t.Run("adjacent only", func(t *testing.T) {
		spans, overhead := coalesce(reqs, 0)
		require.Len(t, spans, 3)
		assert.Equal(t, uint64(20), spans[0].end)
		assert.Equal(t, uint64(100), spans[1].off)
		assert.Zero(t, overhead)
	})
}

func TestReadV(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, store.Put(ctx, "events/cluster-00000000", data))

	b := New(store, "events", WithMaxGap(64), WithReadConcurrency(2))
	defer b.Close()
	var m storage.SourceMetrics
	b.SetMetrics(&m)

	loc := func(pos uint64, size uint32) storage.Locator {
		return storage.Locator{Type: storage.LocatorObject, Object: "events/cluster-00000000", Position: pos, Size: size}
	}
	reqs := []storage.ReadRequest{
		{Locator: loc(200, 8), Buffer: make([]byte, 8)},
		{Locator: loc(0, 4), Buffer: make([]byte, 4)},
		{Locator: loc(50, 4), Buffer: make([]byte, 4)},
	}
	require.NoError(t, b.ReadV(ctx, reqs))

	assert.Equal(t, data[200:208], reqs[0].Buffer)
	assert.Equal(t, data[0:4], reqs[1].Buffer)
	assert.Equal(t, data[50:54], reqs[2].Buffer)
	assert.Equal(t, int64(46), m.SzReadOverhead.Load())

	err := b.ReadV(ctx, []storage.ReadRequest{{
		Locator: storage.Locator{Type: storage.LocatorObject, Object: "events/missing", Size: 1},
		Buffer:  make([]byte, 1),
	}})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestAttachWithoutDataset(t *testing.T) {
	store := blobstore.NewMemoryStore()
	_, err := New(store, "events").Attach(context.Background())
	assert.ErrorIs(t, err, storage.ErrNoDataset)

	require.NoError(t, store.Put(context.Background(), "events/CURRENT", []byte("../other")))
	_, err = New(store, "events").Attach(context.Background())
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	ds := testutil.NewDataset(testutil.NewRNG(3), 4)
	ds.Write(t, New(store, "events"), 0)

	s := storage.NewPageSink("events", New(store, "events"))
	err := s.Create(ctx, testutil.Model())
	require.ErrorIs(t, err, ErrExists)

	require.NoError(t, New(store, "events").Purge(ctx))
	names, err := store.List(ctx, "events/")
	require.NoError(t, err)
	assert.Empty(t, names)

	ds.Write(t, New(store, "events"), 0)
	ds.Verify(t, openSource(t, New(store, "events")), 1)
}

func TestFailedClusterCommit(t *testing.T) {
	ctx := context.Background()
	ds := testutil.NewDataset(testutil.NewRNG(5), 4, 9, 15)

	t.Run("store", func(t *testing.T) {
		store := &failStore{BlobStore: blobstore.NewMemoryStore()}
		backend := New(store, "events")
		s := storage.NewPageSink("events", backend)
		require.NoError(t, s.Create(ctx, testutil.Model()))
		c := testutil.AddColumns(t, s)

		for k := range 2 {
			_, err := s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, k))
			require.NoError(t, err)
		}
		store.failOn("cluster-00000002")
		_, err := s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 2))
		require.ErrorIs(t, err, errInjected)
		assert.Equal(t, storage.NTupleSize(9), s.NEntries())
		assert.Positive(t, backend.cluster.Len())

		require.NoError(t, s.CommitDataset(ctx))
		assert.Zero(t, backend.cluster.Len())
		ds.Verify(t, openSource(t, New(store, "events")), 2)
	})

	t.Run("uncommitted pages", func(t *testing.T) {
		store := blobstore.NewMemoryStore()
		backend := New(store, "events")
		s := storage.NewPageSink("events", backend)
		require.NoError(t, s.Create(ctx, testutil.Model()))
		c := testutil.AddColumns(t, s)

		_, err := s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 0))
		require.NoError(t, err)
		ds.CommitPages(t, ctx, s, c, 1)
		assert.Positive(t, backend.cluster.Len())

		require.NoError(t, s.CommitDataset(ctx))
		assert.Zero(t, backend.cluster.Len())
		ds.Verify(t, openSource(t, New(store, "events")), 1)

		names, err := store.List(ctx, "events/")
		require.NoError(t, err)
		assert.NotContains(t, names, "events/cluster-00000001")
	})

	t.Run("faulty fs", func(t *testing.T) {
		ffs := fs.NewFaultyFS(nil)
		store := blobstore.NewLocalStore(t.TempDir(), blobstore.WithFileSystem(ffs))
		s := storage.NewPageSink("events", New(store, "events"))
		require.NoError(t, s.Create(ctx, testutil.Model()))
		c := testutil.AddColumns(t, s)

		_, err := s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 0))
		require.NoError(t, err)
		ffs.AddRule("cluster-00000001", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
		_, err = s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 1))
		require.ErrorIs(t, err, fs.ErrInjected)

		require.NoError(t, s.CommitDataset(ctx))
		ds.Verify(t, openSource(t, New(store, "events")), 1)

		names, err := store.List(ctx, "events/")
		require.NoError(t, err)
		assert.NotContains(t, names, "events/cluster-00000001")
	})

	t.Run("retry", func(t *testing.T) {
		store := &failStore{BlobStore: blobstore.NewMemoryStore()}
		s := storage.NewPageSink("events", New(store, "events"))
		require.NoError(t, s.Create(ctx, testutil.Model()))
		c := testutil.AddColumns(t, s)

		_, err := s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 0))
		require.NoError(t, err)
		store.failOn("cluster-00000001")
		n := ds.CommitPages(t, ctx, s, c, 1)
		_, err = s.CommitCluster(ctx, n)
		require.Error(t, err)

		store.clear()
		_, err = s.CommitCluster(ctx, n)
		require.NoError(t, err)
		_, err = s.CommitCluster(ctx, ds.CommitPages(t, ctx, s, c, 2))
		require.NoError(t, err)
		require.NoError(t, s.CommitDataset(ctx))

		ds.Verify(t, openSource(t, New(store, "events")), 3)
	})
}

func TestFailedPublish(t *testing.T) {
	ctx := context.Background()
	store := &failStore{BlobStore: blobstore.NewMemoryStore()}
	store.failOn("CURRENT")

	s := storage.NewPageSink("events", New(store, "events"))
	require.NoError(t, s.Create(ctx, testutil.Model()))
	require.Error(t, s.CommitDataset(ctx))

	names, err := store.List(ctx, "events/")
	require.NoError(t, err)
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "events/footer-"), n)
	}

	_, err = New(store, "events").Attach(ctx)
	assert.ErrorIs(t, err, storage.ErrNoDataset)

	store.clear()
	require.NoError(t, s.CommitDataset(ctx))
	src := openSource(t, New(store, "events"))
	assert.Zero(t, src.NEntries())
}

func TestCloneAndClose(t *testing.T) {
	store := blobstore.NewLocalStore(t.TempDir())
	ds := testutil.NewDataset(testutil.NewRNG(6), 6, 13)
	ds.Write(t, New(store, "events"), 0)

	src := openSource(t, New(store, "events"))
	clone, err := src.Clone()
	require.NoError(t, err)
	require.NoError(t, src.Close())

	ds.Verify(t, clone, 2)
	require.NoError(t, clone.Close())

	b := New(store, "events")
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Clone()
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, ok := b.MapBlob(storage.Locator{Type: storage.LocatorObject, Object: "events/header", Size: 1})
	assert.False(t, ok)
}

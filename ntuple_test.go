package ntuple

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hupe1980/ntuple/blobstore"
	"github.com/hupe1980/ntuple/blobstore/s3"
	"github.com/hupe1980/ntuple/storage"
	"github.com/hupe1980/ntuple/storage/blob"
	"github.com/hupe1980/ntuple/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memLocation(t *testing.T) string {
	t.Helper()
	id := t.Name()
	t.Cleanup(func() { DropMemoryStore(id) })
	return "mem://" + id
}

func writeDataset(t *testing.T, ds *testutil.Dataset, name, location string, opts ...Option) {
	t.Helper()
	ctx := context.Background()

	sink, err := CreateSink(ctx, name, location, opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	require.NoError(t, sink.Create(ctx, testutil.Model()))
	c := testutil.AddColumns(t, sink)
	for k := range ds.ClusterEnds {
		_, err := sink.CommitCluster(ctx, ds.CommitPages(t, ctx, sink, c, k))
		require.NoError(t, err)
		if k%2 == 1 {
			require.NoError(t, sink.CommitClusterGroup(ctx))
		}
	}
	require.NoError(t, sink.CommitDataset(ctx))
}

func openDataset(t *testing.T, name, location string, opts ...Option) *Source {
	t.Helper()
	src, err := OpenSource(context.Background(), name, location, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	require.NoError(t, src.Attach(context.Background()))
	return src
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
		str  string
	}{
		{in: "mem://test", want: Location{Scheme: SchemeMemory, Path: "test"}, str: "mem://test"},
		{in: "file:///data/events.ntpl", want: Location{Scheme: SchemeFile, Path: "/data/events.ntpl"}, str: "file:///data/events.ntpl"},
		{in: "events.ntpl", want: Location{Scheme: SchemeFile, Path: "events.ntpl"}, str: "file://events.ntpl"},
		{in: "dir://./data", want: Location{Scheme: SchemeDir, Path: "./data"}, str: "dir://./data"},
		{in: "s3://bucket", want: Location{Scheme: SchemeS3, Bucket: "bucket"}, str: "s3://bucket"},
		{in: "s3://bucket/a/b/", want: Location{Scheme: SchemeS3, Bucket: "bucket", Path: "a/b"}, str: "s3://bucket/a/b"},
		{in: "S3://bucket/a", want: Location{Scheme: SchemeS3, Bucket: "bucket", Path: "a"}, str: "s3://bucket/a"},
		{in: "minio://localhost:9000/bucket/prefix", want: Location{Scheme: SchemeMinio, Host: "localhost:9000", Bucket: "bucket", Path: "prefix"}, str: "minio://localhost:9000/bucket/prefix"},
		{in: "minio://play.min.io/bucket", want: Location{Scheme: SchemeMinio, Host: "play.min.io", Bucket: "bucket"}, str: "minio://play.min.io/bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLocation(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.str, got.String())
		})
	}

	for _, in := range []string{"", "events", ".ntpl", "mem://", "dir://", "s3://", "s3:///prefix", "minio://host", "minio:///bucket", "gs://bucket"} {
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := ParseLocation(in)
			assert.ErrorIs(t, err, ErrInvalidLocation)
			var le *LocationError
			assert.ErrorAs(t, err, &le)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	ds := testutil.NewDataset(testutil.NewRNG(42), 6, 13, 21, 22, 40)

	tests := []struct {
		name      string
		location  func(t *testing.T) string
		opts      []Option
		diskCache bool
	}{
		{name: "memory", location: memLocation},
		{name: "directory", location: func(t *testing.T) string { return "dir://" + t.TempDir() }},
		{name: "file", location: func(t *testing.T) string { return filepath.Join(t.TempDir(), "events.ntpl") }},
		{name: "file url", location: func(t *testing.T) string { return "file://" + filepath.Join(t.TempDir(), "events.ntpl") }},
		{
			name:     "buffered lz4 with scheduler",
			location: memLocation,
			opts: []Option{
				WithCompression(404),
				WithBufferedWrites(true),
				WithScheduler(storage.NewGroupScheduler(4)),
				WithClusterBunchSize(2),
			},
		},
		{
			name:     "block cache",
			location: memLocation,
			opts: []Option{
				WithBlockCache(1<<20, 512),
				WithResourceLimits(ResourceLimits{MemoryBytes: 64 << 20, BackgroundWorkers: 2}),
				WithMaxReadGap(128),
				WithReadConcurrency(2),
			},
		},
		{
			name:      "disk cache",
			location:  func(t *testing.T) string { return "dir://" + t.TempDir() },
			diskCache: true,
		},
		{
			name:     "no cluster cache",
			location: memLocation,
			opts:     []Option{WithClusterCache(false), WithPagePoolSize(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := tt.location(t)
			metrics := &BasicMetricsCollector{}
			opts := append([]Option{WithMetricsCollector(metrics)}, tt.opts...)
			if tt.diskCache {
				opts = append(opts, WithDiskCache(t.TempDir(), 1<<20))
			}

			writeDataset(t, ds, "events", loc, opts...)
			stats := metrics.GetStats()
			assert.EqualValues(t, 5, stats.ClusterCommits)
			assert.Zero(t, stats.ClusterCommitErrors)
			assert.Positive(t, stats.ClusterBytes)
			assert.EqualValues(t, 1, stats.DatasetCommits)

			src := openDataset(t, "events", loc, opts...)
			ds.Verify(t, src.PageSource, 5)
			assert.EqualValues(t, 1, metrics.GetStats().Attaches)
			assert.Zero(t, metrics.GetStats().AttachErrors)
		})
	}
}

func TestSeveralNTuplesPerStore(t *testing.T) {
	loc := memLocation(t)
	a := testutil.NewDataset(testutil.NewRNG(1), 3, 8)
	b := testutil.NewDataset(testutil.NewRNG(2), 5)
	writeDataset(t, a, "a", loc)
	writeDataset(t, b, "b", loc)

	a.Verify(t, openDataset(t, "a", loc).PageSource, 2)
	b.Verify(t, openDataset(t, "b", loc).PageSource, 1)
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	first := testutil.NewDataset(testutil.NewRNG(3), 4, 9)
	second := testutil.NewDataset(testutil.NewRNG(4), 7)

	locations := map[string]string{
		"memory": memLocation(t),
		"file":   filepath.Join(t.TempDir(), "events.ntpl"),
	}
	for name, loc := range locations {
		t.Run(name, func(t *testing.T) {
			writeDataset(t, first, "events", loc)

			_, err := CreateSink(ctx, "events", loc)
			require.ErrorIs(t, err, ErrExists)

			writeDataset(t, second, "events", loc, WithOverwrite(true))
			second.Verify(t, openDataset(t, "events", loc).PageSource, 1)
		})
	}
}

func TestOpenMissing(t *testing.T) {
	ctx := context.Background()

	src, err := OpenSource(ctx, "events", memLocation(t))
	require.NoError(t, err)
	defer src.Close()
	assert.ErrorIs(t, src.Attach(ctx), ErrNotFound)
	assert.ErrorIs(t, src.Attach(ctx), storage.ErrNoDataset)

	_, err = OpenSource(ctx, "events", filepath.Join(t.TempDir(), "missing.ntpl"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUncommittedSinkIsInvisible(t *testing.T) {
	ctx := context.Background()
	loc := memLocation(t)
	ds := testutil.NewDataset(testutil.NewRNG(5), 4)

	sink, err := CreateSink(ctx, "events", loc)
	require.NoError(t, err)
	require.NoError(t, sink.Create(ctx, testutil.Model()))
	c := testutil.AddColumns(t, sink)
	_, err = sink.CommitCluster(ctx, ds.CommitPages(t, ctx, sink, c, 0))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	src, err := OpenSource(ctx, "events", loc)
	require.NoError(t, err)
	defer src.Close()
	assert.ErrorIs(t, src.Attach(ctx), ErrNotFound)
}

func TestNameMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ntpl")
	writeDataset(t, testutil.NewDataset(testutil.NewRNG(6), 3), "events", path)

	src, err := OpenSource(context.Background(), "other", path)
	require.NoError(t, err)
	defer src.Close()

	err = src.Attach(context.Background())
	var nm *NameMismatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "other", nm.Expected)
	assert.Equal(t, "events", nm.Actual)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := CreateSink(ctx, name, "mem://x")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
		_, err = OpenSource(ctx, name, "mem://x")
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	_, err := CreateSink(ctx, "events", "gs://bucket")
	assert.ErrorIs(t, err, ErrInvalidLocation)
	_, err = OpenSource(ctx, "events", "events")
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestSourceClone(t *testing.T) {
	loc := memLocation(t)
	ds := testutil.NewDataset(testutil.NewRNG(7), 5, 10)
	writeDataset(t, ds, "events", loc, WithCompression(0))

	src := openDataset(t, "events", loc, WithBlockCache(1<<16, 0))
	clone, err := src.Clone()
	require.NoError(t, err)
	defer clone.Close()
	assert.Equal(t, src.Location(), clone.Location())
	ds.Verify(t, clone.PageSource, 2)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{err: fmt.Errorf("attach: %w", storage.ErrNoDataset), want: ErrNotFound},
		{err: fmt.Errorf("open: %w", blobstore.ErrNotFound), want: ErrNotFound},
		{err: fmt.Errorf("create: %w", blob.ErrExists), want: ErrExists},
		{err: s3.ErrConcurrentModification, want: ErrConcurrentCommit},
		{err: s3.ErrConflict, want: ErrConcurrentCommit},
	}
	for _, tt := range tests {
		got := translateError(tt.err)
		assert.ErrorIs(t, got, tt.want)
		assert.ErrorIs(t, got, tt.err)
	}

	assert.NoError(t, translateError(nil))
	other := errors.New("boom")
	assert.Same(t, other, translateError(other))
}

func TestMemoryStoreRegistry(t *testing.T) {
	a := MemoryStore("registry")
	assert.Same(t, a, MemoryStore("registry"))
	DropMemoryStore("registry")
	assert.NotSame(t, a, MemoryStore("registry"))
	DropMemoryStore("registry")
}

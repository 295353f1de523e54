package storage

import (
	"io"
	"log/slog"

	"github.com/hupe1980/ntuple/codec"
	"github.com/hupe1980/ntuple/internal/compress"
	"github.com/hupe1980/ntuple/internal/resource"
)

const (
	// DefaultPageSize is the approximate uncompressed page size in bytes.
	DefaultPageSize = 64 * 1024
	// DefaultClusterSize is the approximate compressed cluster size in bytes.
	DefaultClusterSize = 50 * 1024 * 1024
	// DefaultPagePoolSize bounds the decoded pages cached by a source.
	DefaultPagePoolSize = 256 * 1024 * 1024
)

// Observer receives storage events. It is used to feed external metrics.
type Observer interface {
	CommitCluster(nEntries, nBytes uint64, err error)
	CommitDataset(nEntries uint64, nClusters int, err error)
	LoadClusters(nClusters int, nBytes uint64, err error)
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// WriteOptions configures a PageSink.
type WriteOptions struct {
	// Compression is algorithm*100+level: 0 none, 4xx lz4, 5xx zstd.
	Compression int
	// ApproxUnzippedPageSize sizes pages reserved with nElements 0.
	ApproxUnzippedPageSize int
	// ApproxZippedClusterSize is a hint for callers deciding when to commit clusters.
	ApproxZippedClusterSize int
	// Buffered defers sealing to CommitCluster, where pages are sealed in parallel.
	Buffered bool
	Codec    codec.Codec
	Logger   *slog.Logger
	Observer Observer
	// Scheduler seals buffered pages in parallel.
	Scheduler TaskScheduler
	Allocator PageAllocator
}

// WriteOption configures WriteOptions.
type WriteOption func(*WriteOptions)

// DefaultWriteOptions returns the default sink configuration.
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{
		Compression:             compress.DefaultSetting,
		ApproxUnzippedPageSize:  DefaultPageSize,
		ApproxZippedClusterSize: DefaultClusterSize,
		Codec:                   codec.Default,
		Logger:                  discardLogger,
	}
}

// WithCompression sets the compression setting.
func WithCompression(setting int) WriteOption {
	return func(o *WriteOptions) { o.Compression = setting }
}

// WithPageSize sets the approximate uncompressed page size.
func WithPageSize(bytes int) WriteOption {
	return func(o *WriteOptions) { o.ApproxUnzippedPageSize = bytes }
}

// WithClusterSize sets the approximate compressed cluster size.
func WithClusterSize(bytes int) WriteOption {
	return func(o *WriteOptions) { o.ApproxZippedClusterSize = bytes }
}

// WithBufferedWrites enables buffered sealing at CommitCluster.
func WithBufferedWrites(enabled bool) WriteOption {
	return func(o *WriteOptions) { o.Buffered = enabled }
}

// WithCodec sets the envelope payload codec. nil selects codec.Default.
func WithCodec(c codec.Codec) WriteOption {
	return func(o *WriteOptions) {
		if c == nil {
			c = codec.Default
		}
		o.Codec = c
	}
}

// WithWriteLogger sets the sink logger. nil discards logs.
func WithWriteLogger(l *slog.Logger) WriteOption {
	return func(o *WriteOptions) {
		if l == nil {
			l = discardLogger
		}
		o.Logger = l
	}
}

// WithWriteObserver sets an observer for sink events.
func WithWriteObserver(obs Observer) WriteOption {
	return func(o *WriteOptions) { o.Observer = obs }
}

// WithWriteScheduler sets the scheduler used by buffered writes.
func WithWriteScheduler(s TaskScheduler) WriteOption {
	return func(o *WriteOptions) { o.Scheduler = s }
}

// WithPageAllocator sets the allocator behind ReservePage.
func WithPageAllocator(a PageAllocator) WriteOption {
	return func(o *WriteOptions) { o.Allocator = a }
}

// ReadOptions configures a PageSource.
type ReadOptions struct {
	// ClusterCache enables the cluster pool with background read-ahead.
	ClusterCache bool
	// ClusterBunchSize is the number of clusters loaded per read-ahead batch.
	ClusterBunchSize int
	// PagePoolSize bounds the bytes of decoded pages kept for reuse; 0 disables caching.
	PagePoolSize int64
	Scheduler    TaskScheduler
	// Resources limits read I/O bandwidth and staged cluster memory.
	Resources *resource.Controller
	Logger    *slog.Logger
	Observer  Observer
}

// ReadOption configures ReadOptions.
type ReadOption func(*ReadOptions)

// DefaultReadOptions returns the default source configuration.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		ClusterCache:     true,
		ClusterBunchSize: 1,
		PagePoolSize:     DefaultPagePoolSize,
		Logger:           discardLogger,
	}
}

// WithClusterCache enables or disables the cluster pool.
func WithClusterCache(enabled bool) ReadOption {
	return func(o *ReadOptions) { o.ClusterCache = enabled }
}

// WithClusterBunchSize sets the read-ahead batch size.
func WithClusterBunchSize(n int) ReadOption {
	return func(o *ReadOptions) {
		if n < 1 {
			n = 1
		}
		o.ClusterBunchSize = n
	}
}

// WithPagePoolSize sets the decoded page cache size in bytes.
func WithPagePoolSize(bytes int64) ReadOption {
	return func(o *ReadOptions) { o.PagePoolSize = bytes }
}

// WithReadScheduler sets the scheduler used by UnzipCluster.
func WithReadScheduler(s TaskScheduler) ReadOption {
	return func(o *ReadOptions) { o.Scheduler = s }
}

// WithResourceController sets the resource controller of the read path.
func WithResourceController(rc *resource.Controller) ReadOption {
	return func(o *ReadOptions) { o.Resources = rc }
}

// WithReadLogger sets the source logger. nil discards logs.
func WithReadLogger(l *slog.Logger) ReadOption {
	return func(o *ReadOptions) {
		if l == nil {
			l = discardLogger
		}
		o.Logger = l
	}
}

// WithReadObserver sets an observer for source events.
func WithReadObserver(obs Observer) ReadOption {
	return func(o *ReadOptions) { o.Observer = obs }
}

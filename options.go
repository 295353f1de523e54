package ntuple

import (
	"log/slog"

	"github.com/hupe1980/ntuple/blobstore/s3"
	"github.com/hupe1980/ntuple/codec"
	"github.com/hupe1980/ntuple/internal/resource"
	"github.com/hupe1980/ntuple/storage"
	"github.com/minio/minio-go/v7"
)

// ResourceLimits bounds the resources shared by the read path of a source.
// Zero values mean unlimited.
type ResourceLimits struct {
	// MemoryBytes bounds the memory held by staged clusters.
	MemoryBytes int64
	// BackgroundWorkers bounds concurrent background cluster loads.
	BackgroundWorkers int64
	// IOBytesPerSec bounds the read throughput against the medium.
	IOBytesPerSec int64
}

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector

	write     []storage.WriteOption
	read      []storage.ReadOption
	scheduler storage.TaskScheduler
	limits    *ResourceLimits

	overwrite       bool
	maxReadGap      uint64
	readConcurrency int

	blockCacheBytes int64
	blockSize       int64
	diskCacheDir    string
	diskCacheBytes  int64

	s3Client    s3.Client
	ddbClient   s3.DDBClient
	ddbTable    string
	minioClient *minio.Client
}

// Option configures CreateSink and OpenSource.
//
// Options that only apply to one side are ignored by the other.
type Option func(*options)

// WithCompression sets the compression setting of written pages:
// algorithm*100+level, 0 disables compression, 4xx selects lz4, 5xx zstd.
func WithCompression(setting int) Option {
	return func(o *options) {
		o.write = append(o.write, storage.WithCompression(setting))
	}
}

// WithPageSize sets the approximate uncompressed page size in bytes.
func WithPageSize(bytes int) Option {
	return func(o *options) {
		o.write = append(o.write, storage.WithPageSize(bytes))
	}
}

// WithClusterSize sets the approximate compressed cluster size in bytes.
func WithClusterSize(bytes int) Option {
	return func(o *options) {
		o.write = append(o.write, storage.WithClusterSize(bytes))
	}
}

// WithBufferedWrites defers page sealing to CommitCluster, where the pages
// of a cluster are sealed in parallel and written in one vector call.
func WithBufferedWrites(enabled bool) Option {
	return func(o *options) {
		o.write = append(o.write, storage.WithBufferedWrites(enabled))
	}
}

// WithCodec configures the codec used for header, page list and footer
// envelopes.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.write = append(o.write, storage.WithCodec(c))
	}
}

// WithClusterCache enables or disables the cluster pool of a source.
func WithClusterCache(enabled bool) Option {
	return func(o *options) {
		o.read = append(o.read, storage.WithClusterCache(enabled))
	}
}

// WithClusterBunchSize sets the number of clusters read ahead together.
func WithClusterBunchSize(n int) Option {
	return func(o *options) {
		o.read = append(o.read, storage.WithClusterBunchSize(n))
	}
}

// WithPagePoolSize bounds the decoded pages a source keeps for reuse.
func WithPagePoolSize(bytes int64) Option {
	return func(o *options) {
		o.read = append(o.read, storage.WithPagePoolSize(bytes))
	}
}

// WithScheduler sets the task scheduler used to seal buffered pages and to
// unzip clusters in parallel.
//
// Example:
//
//	sched, _ := storage.NewPoolScheduler(8)
//	defer sched.Release()
//	src, _ := ntuple.OpenSource(ctx, "events", "dir://./data", ntuple.WithScheduler(sched))
func WithScheduler(s storage.TaskScheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

// WithResourceLimits bounds memory, background loads and read bandwidth of
// a source. The limits also apply to the block cache of WithBlockCache.
func WithResourceLimits(limits ResourceLimits) Option {
	return func(o *options) {
		o.limits = &limits
	}
}

// WithOverwrite lets CreateSink replace an existing ntuple. Without it,
// CreateSink fails with ErrExists.
func WithOverwrite(enabled bool) Option {
	return func(o *options) {
		o.overwrite = enabled
	}
}

// WithMaxReadGap sets the largest gap between two pages of an object that
// is read rather than split into a second request.
func WithMaxReadGap(bytes uint64) Option {
	return func(o *options) {
		o.maxReadGap = bytes
	}
}

// WithReadConcurrency bounds the parallel range requests of a vector read
// against a blob store.
func WithReadConcurrency(n int) Option {
	return func(o *options) {
		o.readConcurrency = n
	}
}

// WithBlockCache caches blocks of blob reads in memory, up to capacity
// bytes. blockSize 0 selects 64KiB blocks.
func WithBlockCache(capacity, blockSize int64) Option {
	return func(o *options) {
		o.blockCacheBytes = capacity
		o.blockSize = blockSize
	}
}

// WithDiskCache caches blocks of blob reads in dir, up to capacity bytes.
// It is meant for remote stores on hosts with fast local disks.
func WithDiskCache(dir string, capacity int64) Option {
	return func(o *options) {
		o.diskCacheDir = dir
		o.diskCacheBytes = capacity
	}
}

// WithS3Client sets the client for s3:// locations. By default a client is
// built from the shared AWS configuration.
func WithS3Client(c s3.Client) Option {
	return func(o *options) {
		o.s3Client = c
	}
}

// WithDynamoDBCommit publishes dataset commits of s3:// locations through a
// DynamoDB table, so concurrent writers of the same ntuple are detected.
// A nil client is built from the shared AWS configuration.
func WithDynamoDBCommit(table string, client s3.DDBClient) Option {
	return func(o *options) {
		o.ddbTable = table
		o.ddbClient = client
	}
}

// WithMinioClient sets the client for minio:// locations. By default a
// client is built for the location host, connecting over TLS with
// credentials from the MINIO_ACCESS_KEY and MINIO_SECRET_KEY environment
// variables.
func WithMinioClient(c *minio.Client) Option {
	return func(o *options) {
		o.minioClient = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &ntuple.BasicMetricsCollector{}
//	sink, _ := ntuple.CreateSink(ctx, "events", "dir://./data", ntuple.WithMetricsCollector(metrics))
//	// ... write clusters ...
//	stats := metrics.GetStats()
//	fmt.Printf("Clusters: %d, bytes: %d\n", stats.ClusterCommits, stats.ClusterBytes)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := ntuple.NewJSONLogger(slog.LevelInfo)
//	sink, _ := ntuple.CreateSink(ctx, "events", "events.ntpl", ntuple.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) resources() *resource.Controller {
	if o.limits == nil {
		return nil
	}
	return resource.NewController(resource.Config{
		MemoryLimitBytes:     o.limits.MemoryBytes,
		MaxBackgroundWorkers: o.limits.BackgroundWorkers,
		IOLimitBytesPerSec:   o.limits.IOBytesPerSec,
	})
}

func (o *options) writeOptions(logger *Logger) []storage.WriteOption {
	opts := append([]storage.WriteOption{
		storage.WithWriteLogger(logger.Logger),
		storage.WithWriteObserver(observer{metrics: o.metricsCollector}),
	}, o.write...)
	if o.scheduler != nil {
		opts = append(opts, storage.WithWriteScheduler(o.scheduler))
	}
	return opts
}

func (o *options) readOptions(logger *Logger, rc *resource.Controller) []storage.ReadOption {
	opts := append([]storage.ReadOption{
		storage.WithReadLogger(logger.Logger),
		storage.WithReadObserver(observer{metrics: o.metricsCollector}),
	}, o.read...)
	if o.scheduler != nil {
		opts = append(opts, storage.WithReadScheduler(o.scheduler))
	}
	if rc != nil {
		opts = append(opts, storage.WithResourceController(rc))
	}
	return opts
}

package ntuple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hupe1980/ntuple/blobstore"
	"github.com/hupe1980/ntuple/blobstore/minio"
	"github.com/hupe1980/ntuple/blobstore/s3"
	"github.com/hupe1980/ntuple/internal/cache"
	"github.com/hupe1980/ntuple/internal/resource"
	"github.com/hupe1980/ntuple/storage"
	"github.com/hupe1980/ntuple/storage/blob"
	"github.com/hupe1980/ntuple/storage/file"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink writes an ntuple to a location. It is a storage.PageSink whose errors
// are translated into the errors of this package.
type Sink struct {
	*storage.PageSink

	location Location
	closers  []io.Closer
}

// Location returns the location the sink writes to.
func (s *Sink) Location() Location { return s.location }

// Create writes the header of model.
func (s *Sink) Create(ctx context.Context, model *storage.Model) error {
	return translateError(s.PageSink.Create(ctx, model))
}

// CommitCluster seals the open cluster. nEntries is the total entry count of
// the ntuple after the cluster.
func (s *Sink) CommitCluster(ctx context.Context, nEntries storage.NTupleSize) (uint64, error) {
	n, err := s.PageSink.CommitCluster(ctx, nEntries)
	return n, translateError(err)
}

// CommitClusterGroup writes the page list of the clusters committed since
// the previous group.
func (s *Sink) CommitClusterGroup(ctx context.Context) error {
	return translateError(s.PageSink.CommitClusterGroup(ctx))
}

// CommitDataset publishes the ntuple.
func (s *Sink) CommitDataset(ctx context.Context) error {
	return translateError(s.PageSink.CommitDataset(ctx))
}

// Close releases the sink. An ntuple that was not committed is abandoned.
func (s *Sink) Close() error {
	return closeAll(s.PageSink.Close(), s.closers)
}

// Source reads an ntuple from a location. It is a storage.PageSource whose
// errors are translated into the errors of this package.
type Source struct {
	*storage.PageSource

	location Location
	metrics  MetricsCollector
	closers  []io.Closer
}

// Location returns the location the source reads from.
func (s *Source) Location() Location { return s.location }

// Attach loads the descriptor. It returns ErrNotFound if no ntuple was
// committed at the location.
func (s *Source) Attach(ctx context.Context) error {
	start := time.Now()
	err := translateError(s.PageSource.Attach(ctx))
	s.metrics.RecordAttach(time.Since(start), err)
	return err
}

// Clone returns an independent source over the same ntuple. The clone shares
// the block cache of s, which stays open until s is closed.
func (s *Source) Clone() (*Source, error) {
	src, err := s.PageSource.Clone()
	if err != nil {
		return nil, translateError(err)
	}
	return &Source{PageSource: src, location: s.location, metrics: s.metrics}, nil
}

// Close releases the source.
func (s *Source) Close() error {
	return closeAll(s.PageSource.Close(), s.closers)
}

func closeAll(err error, closers []io.Closer) error {
	errs := []error{err}
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// CreateSink returns a sink that writes the ntuple name to location.
//
// Supported locations:
//
//	mem://<id>                        process-wide memory store
//	file://<path>, <path>.ntpl        single file
//	dir://<path>                      one blob per cluster in a directory
//	s3://<bucket>[/<prefix>]          S3 bucket
//	minio://<host>/<bucket>[/<prefix>] MinIO or S3-compatible server
//
// Blob store locations may hold many ntuples; the blobs of one ntuple live
// under "<name>/". CreateSink fails with ErrExists if the ntuple was already
// committed, unless WithOverwrite is set.
func CreateSink(ctx context.Context, name, location string, optFns ...Option) (*Sink, error) {
	o := applyOptions(optFns)
	if err := validateName(name); err != nil {
		return nil, err
	}
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	logger := o.logger.WithNTuple(name, loc.String())
	storageLogger := &Logger{Logger: o.logger.With("location", loc.String())}

	if loc.Scheme == SchemeFile {
		if _, err := os.Stat(loc.Path); err == nil {
			if !o.overwrite {
				return nil, fmt.Errorf("%w: %s", ErrExists, loc.Path)
			}
			err = os.Remove(loc.Path)
			logger.LogPurge(ctx, err)
			if err != nil {
				return nil, err
			}
		}
		w := file.NewWriter(loc.Path, file.WithLogger(storageLogger.Logger))
		logger.LogOpen(ctx, "write", nil)
		return &Sink{
			PageSink: storage.NewPageSink(name, w, o.writeOptions(storageLogger)...),
			location: loc,
		}, nil
	}

	store, err := o.blobStore(ctx, loc)
	if err != nil {
		logger.LogOpen(ctx, "write", err)
		return nil, err
	}
	b := blob.New(store, name, o.blobOptions(storageLogger)...)
	exists, err := b.Exists(ctx)
	if err != nil {
		logger.LogOpen(ctx, "write", err)
		return nil, translateError(err)
	}
	switch {
	case exists && !o.overwrite:
		return nil, fmt.Errorf("%w: %s", ErrExists, loc.String()+"/"+name)
	case exists:
		err := b.Purge(ctx)
		logger.LogPurge(ctx, err)
		if err != nil {
			return nil, translateError(err)
		}
	}
	logger.LogOpen(ctx, "write", nil)
	return &Sink{
		PageSink: storage.NewPageSink(name, b, o.writeOptions(storageLogger)...),
		location: loc,
	}, nil
}

// OpenSource returns a source that reads the ntuple name from location. The
// source must be attached before use. See CreateSink for the supported
// locations.
func OpenSource(ctx context.Context, name, location string, optFns ...Option) (*Source, error) {
	o := applyOptions(optFns)
	if err := validateName(name); err != nil {
		return nil, err
	}
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	logger := o.logger.WithNTuple(name, loc.String())
	storageLogger := &Logger{Logger: o.logger.With("location", loc.String())}
	rc := o.resources()

	var (
		backend storage.SourceBackend
		closers []io.Closer
	)
	if loc.Scheme == SchemeFile {
		r, err := file.Open(loc.Path, file.WithLogger(storageLogger.Logger))
		if err != nil {
			logger.LogOpen(ctx, "read", err)
			return nil, translateError(err)
		}
		backend = namedFile{Reader: r, name: name}
	} else {
		store, err := o.blobStore(ctx, loc)
		if err != nil {
			logger.LogOpen(ctx, "read", err)
			return nil, err
		}
		store, c, err := o.cached(store, rc)
		if err != nil {
			logger.LogOpen(ctx, "read", err)
			return nil, err
		}
		if c != nil {
			closers = append(closers, c)
		}
		backend = blob.New(store, name, o.blobOptions(storageLogger)...)
	}

	src, err := storage.NewPageSource(name, backend, o.readOptions(storageLogger, rc)...)
	if err != nil {
		_ = closeAll(backend.Close(), closers)
		logger.LogOpen(ctx, "read", err)
		return nil, err
	}
	logger.LogOpen(ctx, "read", nil)
	return &Source{
		PageSource: src,
		location:   loc,
		metrics:    o.metricsCollector,
		closers:    closers,
	}, nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// namedFile rejects files that hold a different ntuple.
type namedFile struct {
	*file.Reader
	name string
}

func (f namedFile) Attach(ctx context.Context) (*storage.Descriptor, error) {
	desc, err := f.Reader.Attach(ctx)
	if err != nil {
		return nil, err
	}
	if desc.Name != f.name {
		return nil, &NameMismatchError{Expected: f.name, Actual: desc.Name}
	}
	return desc, nil
}

func (o *options) blobOptions(logger *Logger) []blob.Option {
	opts := []blob.Option{blob.WithLogger(logger.Logger)}
	if o.maxReadGap > 0 {
		opts = append(opts, blob.WithMaxGap(o.maxReadGap))
	}
	if o.readConcurrency > 0 {
		opts = append(opts, blob.WithReadConcurrency(o.readConcurrency))
	}
	return opts
}

// blobStore builds the store behind a blob location.
func (o *options) blobStore(ctx context.Context, loc Location) (blobstore.BlobStore, error) {
	switch loc.Scheme {
	case SchemeMemory:
		return MemoryStore(loc.Path), nil
	case SchemeDir:
		return blobstore.NewLocalStore(loc.Path), nil
	case SchemeS3:
		return o.s3Store(ctx, loc)
	case SchemeMinio:
		client := o.minioClient
		if client == nil {
			var err error
			client, err = miniogo.New(loc.Host, &miniogo.Options{
				Creds:  credentials.NewEnvMinio(),
				Secure: true,
			})
			if err != nil {
				return nil, fmt.Errorf("minio client for %s: %w", loc.Host, err)
			}
		}
		return minio.NewStore(client, loc.Bucket, loc.Path), nil
	}
	return nil, &LocationError{Location: loc.String(), Reason: "not a blob store location"}
}

// cached wraps store in the configured block cache. The returned closer
// releases the cache and is nil if none was configured.
func (o *options) cached(store blobstore.BlobStore, rc *resource.Controller) (blobstore.BlobStore, io.Closer, error) {
	var c cache.BlockCache
	switch {
	case o.diskCacheDir != "":
		dc, err := cache.NewDiskBlockCache(cache.DiskCacheConfig{
			RootDir:      o.diskCacheDir,
			MaxSizeBytes: o.diskCacheBytes,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("disk cache: %w", err)
		}
		c = dc
	case o.blockCacheBytes > 0:
		c = cache.NewShardedLRUBlockCache(o.blockCacheBytes, rc)
	default:
		return store, nil, nil
	}
	return blobstore.NewCachingStore(store, c, o.blockSize), c, nil
}

func (o *options) s3Store(ctx context.Context, loc Location) (blobstore.BlobStore, error) {
	var (
		cfg    aws.Config
		loaded bool
	)
	awsConfig := func() (aws.Config, error) {
		if loaded {
			return cfg, nil
		}
		var err error
		cfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return cfg, fmt.Errorf("load aws config: %w", err)
		}
		loaded = true
		return cfg, nil
	}

	client := o.s3Client
	if client == nil {
		cfg, err := awsConfig()
		if err != nil {
			return nil, err
		}
		client = awss3.NewFromConfig(cfg)
	}
	st := s3.NewStore(client, loc.Bucket, loc.Path)
	if o.ddbTable == "" {
		return st, nil
	}

	ddb := o.ddbClient
	if ddb == nil {
		cfg, err := awsConfig()
		if err != nil {
			return nil, err
		}
		ddb = dynamodb.NewFromConfig(cfg)
	}
	return s3.NewDDBCommitStore(st, ddb, o.ddbTable, loc.String()), nil
}

var memoryStores = struct {
	sync.Mutex
	m map[string]*blobstore.MemoryStore
}{m: make(map[string]*blobstore.MemoryStore)}

// MemoryStore returns the process-wide memory store behind mem://id,
// creating it on first use.
func MemoryStore(id string) *blobstore.MemoryStore {
	memoryStores.Lock()
	defer memoryStores.Unlock()
	s, ok := memoryStores.m[id]
	if !ok {
		s = blobstore.NewMemoryStore()
		memoryStores.m[id] = s
	}
	return s
}

// DropMemoryStore forgets the memory store behind mem://id. Sources that
// are still open keep reading from it.
func DropMemoryStore(id string) {
	memoryStores.Lock()
	defer memoryStores.Unlock()
	delete(memoryStores.m, id)
}

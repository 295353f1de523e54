// Package blobstore provides the blob abstraction the ntuple blob backend
// writes clusters, page lists and footers to.
//
// BlobStore is the interface for reading and writing named, immutable blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: process memory (mem:// ntuples, tests)
//   - LocalStore: local directory, atomic rename on Close, mmap reads
//   - CachingStore: block cache in front of any other store
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - minio.Store: MinIO and other S3-compatible servers
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Blob.ReadRange lets remote stores serve partial reads with a single request;
// the blob backend uses it to fetch coalesced page ranges of a cluster.
package blobstore

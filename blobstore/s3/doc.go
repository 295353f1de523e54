// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "ntuples/")
//
//	sink, err := ntuple.CreateSink(ctx, "events", "s3://my-bucket/ntuples")
//
// Cluster blobs are streamed with multipart uploads; small blobs such as
// headers and footers go through a single PutObject with a CRC32C checksum.
//
// Object stores do not offer compare-and-swap on overwrite. Use
// DDBCommitStore when several writers may finish the same dataset; it keeps
// the CURRENT pointer of every ntuple in a DynamoDB table.
package s3

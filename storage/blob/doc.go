// Package blob implements the storage backends of an ntuple kept in a
// blobstore.BlobStore.
//
// Sealed pages of a cluster are staged in memory and written as one blob when
// the cluster is committed. Page lists and footers are separate blobs, and a
// CURRENT pointer names the footer of the committed dataset:
//
//	store := blobstore.NewLocalStore("/data/ntuples")
//	sink := storage.NewPageSink("events", blob.New(store, "events"))
//
// Reads coalesce neighboring pages of a cluster blob into one ranged request
// and serve MemoryStore and LocalStore blobs without copying.
package blob

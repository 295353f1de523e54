// Package cache provides block caches for blob reads.
//
// Blocks are keyed by ntuple, object and block index (see BlobKey). Ntuple
// objects are write-once, except the CURRENT pointer, which is never cached.
//
// # Block Cache (RAM)
//
// LRUBlockCache is a single-mutex LRU bounded by bytes. ShardedLRUBlockCache
// spreads keys over 64 LRU shards using maphash, for concurrent page sources
// reading the same ntuple. Both report their footprint to an optional
// resource.Controller.
//
// # Disk Cache (L2)
//
// For object-store backends, DiskBlockCache keeps fetched blocks on local
// disk, one directory per cluster blob. Writes happen in the background and
// are published by rename. The LRU index is rebuilt from disk on startup.
package cache

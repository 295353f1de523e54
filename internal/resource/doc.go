// Package resource implements the resource controller shared by page sources.
//
// The Controller governs three resources:
//
//   - Memory: bytes held by staged clusters in the cluster pool and by cached
//     decoded pages. AcquireMemory blocks until memory is released, TryAcquireMemory
//     fails fast.
//   - Concurrency: the number of background cluster loaders running at once.
//   - I/O: a token bucket (bytes per second) applied to reads from the storage medium.
//
// Usage:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   512 << 20,
//	    IOLimitBytesPerSec: 100 << 20,
//	})
//
//	if err := rc.AcquireIO(ctx, clusterBytes); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource

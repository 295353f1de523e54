// Package storage implements the page storage layer of an ntuple.
//
// An ntuple stores typed columns as independently compressed pages. Pages are
// grouped into clusters (row groups) covering contiguous entry ranges, and
// clusters are grouped into cluster groups whose page-location index ("page
// list") is flushed together.
//
// PageSink and PageSource implement the write and read protocol once. Every
// medium-specific operation goes through a small backend interface
// (SinkBackend, SourceBackend) that only receives already-sealed pages or
// already-serialized envelopes. See the blob and file subpackages for the
// concrete backends.
//
// # Write path
//
//	sink := storage.NewPageSink("events", backend, storage.WithCompression(505))
//	if err := sink.Create(ctx, model); err != nil { ... }
//	h, _ := sink.AddColumn(fieldID, storage.NewColumn(storage.ElementReal64, 0))
//	page, _ := sink.ReservePage(h, 0)
//	// fill page ...
//	_ = sink.CommitPage(ctx, h, page)
//	_, _ = sink.CommitCluster(ctx, nEntries)
//	_ = sink.CommitDataset(ctx)
//
// # Read path
//
//	src := storage.NewPageSource("events", backend)
//	if err := src.Attach(ctx); err != nil { ... }
//	h, _ := src.AddColumn(fieldID, storage.NewColumn(storage.ElementReal64, 0))
//	page, _ := src.PopulatePage(ctx, h, 42)
//	defer src.ReleasePage(page)
//
// # Concurrency
//
// A PageSink is single-writer. A PageSource may be used from many goroutines;
// its descriptor is protected by a reader/writer lock exposed through
// SharedDescriptorGuard. The lock is not reentrant: a goroutine holding a guard
// must not call PageSource methods, which acquire the guard themselves.
package storage

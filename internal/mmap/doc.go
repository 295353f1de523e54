// Package mmap maps committed ntuple files and local blobs read-only.
//
// Both are immutable once written, so sealed pages are handed out as slices
// of the mapping instead of copies:
//
//	m, err := mmap.Open("events.ntpl")
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.HintRandom)
//
//	_ = m.Prefetch(clusterStart, clusterSize)
//	page, err := m.Slice(locator.Position, int(locator.Size))
//
// A Mapping is safe for concurrent reads. Close is idempotent; slices
// returned before Close must not be touched afterwards.
package mmap

// Package testutil provides helpers for backend and integration tests.
//
// This package is intended for use in tests only. It generates event
// datasets, writes them through a storage.PageSink and verifies them through
// a storage.PageSource.
//
//	rng := testutil.NewRNG(4711)
//	ds := testutil.NewDataset(rng, 5, 12, 20) // clusters [0,5) [5,12) [12,20)
//	ds.Write(t, backend, 2)                   // two clusters per group
//	ds.Verify(t, src, 3)
package testutil

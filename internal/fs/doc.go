// Package fs is the write side of local storage: the ntuple file sink and the
// local blob store create, truncate, rename and remove files through a
// FileSystem.
//
// FaultyFS lets tests fail a cluster commit midway and check that the part of
// the dataset committed before stays readable:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("cluster-00000001", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// Operations take no context.Context; local file syscalls are not
// interruptible. Remote media go through blobstore, which is context-aware.
package fs

package fs

import (
	"io"
	"os"
	"path/filepath"
)

// File is a file opened for writing by Create.
type File interface {
	io.WriteSeeker
	io.Closer
	Sync() error
}

// FileSystem holds the operations the ntuple file sink and the local blob
// store perform while writing. Reads go through memory mappings.
type FileSystem interface {
	// Create creates or truncates name for writing, creating missing parent
	// directories.
	Create(name string) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Truncate(name string, size int64) error
}

// OS is the FileSystem of the os package.
type OS struct{}

func (OS) Create(name string) (File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (OS) Remove(name string) error               { return os.Remove(name) }
func (OS) Rename(oldpath, newpath string) error   { return os.Rename(oldpath, newpath) }
func (OS) Truncate(name string, size int64) error { return os.Truncate(name, size) }

// Default is the FileSystem used when none is configured.
var Default FileSystem = OS{}

// Publish moves a fully written temporary file to its final name. On failure
// the temporary file is removed, so nothing partial stays behind.
func Publish(fsys FileSystem, tmp, final string) error {
	if err := fsys.Rename(tmp, final); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return nil
}

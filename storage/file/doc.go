// Package file implements the storage backends of an ntuple kept in a single
// local file (conventionally with the .ntpl extension).
//
// Writer writes through internal/fs, so tests can inject faults, and
// publishes the file with a rename once the dataset is committed. Reader
// memory maps a committed file and serves sealed pages without copying.
package file

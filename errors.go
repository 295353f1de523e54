package ntuple

import (
	"errors"
	"fmt"

	"github.com/hupe1980/ntuple/blobstore"
	"github.com/hupe1980/ntuple/blobstore/s3"
	"github.com/hupe1980/ntuple/storage"
	"github.com/hupe1980/ntuple/storage/blob"
)

var (
	// ErrNotFound is returned when no committed ntuple exists at a location.
	ErrNotFound = errors.New("ntuple not found")

	// ErrExists is returned by CreateSink when the location already holds
	// an ntuple and overwriting was not requested.
	ErrExists = errors.New("ntuple already exists")

	// ErrInvalidLocation is returned for locations that cannot be parsed or
	// are not supported by the requested operation.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrInvalidName is returned for ntuple names that cannot be used as a
	// blob prefix.
	ErrInvalidName = errors.New("invalid ntuple name")

	// ErrConcurrentCommit is returned when another writer committed the same
	// ntuple first.
	ErrConcurrentCommit = errors.New("concurrent commit")
)

// LocationError describes a location string that cannot be used.
//
// It matches ErrInvalidLocation with errors.Is.
type LocationError struct {
	Location string
	Reason   string
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("invalid location %q: %s", e.Location, e.Reason)
}

func (e *LocationError) Unwrap() error { return ErrInvalidLocation }

// NameMismatchError indicates that a file holds a different ntuple than the
// one requested.
type NameMismatchError struct {
	Expected string
	Actual   string
}

func (e *NameMismatchError) Error() string {
	return fmt.Sprintf("ntuple name mismatch: expected %q, got %q", e.Expected, e.Actual)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, storage.ErrNoDataset) || errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("%w: %w", ErrExists, err)
	}
	if errors.Is(err, s3.ErrConcurrentModification) || errors.Is(err, s3.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConcurrentCommit, err)
	}

	return err
}

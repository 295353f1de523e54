package storage

import (
	"errors"
	"fmt"
)

// ErrContractViolation is the parent of all errors caused by a caller breaking
// the storage protocol. Such errors never change sink or source state.
var ErrContractViolation = errors.New("storage contract violation")

var (
	// ErrUnknownColumn is returned for handles or column ids that were not added.
	ErrUnknownColumn = fmt.Errorf("%w: unknown column", ErrContractViolation)

	// ErrEntryCountMismatch is returned by CommitCluster when the entry count
	// does not match the committed column data.
	ErrEntryCountMismatch = fmt.Errorf("%w: entry count mismatch", ErrContractViolation)

	// ErrSchemaFixed is returned when the schema is changed after Create.
	ErrSchemaFixed = fmt.Errorf("%w: schema is fixed", ErrContractViolation)

	// ErrInvalidState is returned when an operation is not valid in the current state.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrContractViolation)

	// ErrNotAttached is returned when a source is used before Attach.
	ErrNotAttached = fmt.Errorf("%w: source not attached", ErrContractViolation)

	// ErrUnknownPage is returned when an element or page index is out of range.
	ErrUnknownPage = fmt.Errorf("%w: unknown page", ErrContractViolation)
)

var (
	// ErrCorrupt is returned when stored data fails validation.
	ErrCorrupt = errors.New("corrupt ntuple data")

	// ErrClosed is returned when a closed sink or source is used.
	ErrClosed = errors.New("storage closed")
)

// EntryCountMismatchError reports a principal column whose element count does
// not match the number of entries of the cluster being committed.
type EntryCountMismatchError struct {
	PhysicalColumnID DescriptorID
	ColumnEntries    NTupleSize
	ClusterEntries   NTupleSize
}

func (e *EntryCountMismatchError) Error() string {
	if e.PhysicalColumnID == InvalidDescriptorID {
		return fmt.Sprintf("entry count mismatch: cluster would hold %d entries, expected at least %d",
			e.ClusterEntries, e.ColumnEntries)
	}
	return fmt.Sprintf("entry count mismatch: column %d holds %d entries, cluster has %d",
		e.PhysicalColumnID, e.ColumnEntries, e.ClusterEntries)
}

func (e *EntryCountMismatchError) Unwrap() error { return ErrEntryCountMismatch }

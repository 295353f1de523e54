package storage

import (
	"fmt"
	"math"
)

// DescriptorID identifies fields, columns, clusters and cluster groups.
type DescriptorID uint64

// InvalidDescriptorID marks an unset id.
const InvalidDescriptorID DescriptorID = math.MaxUint64

// Valid reports whether id is set.
func (id DescriptorID) Valid() bool { return id != InvalidDescriptorID }

// NTupleSize counts entries and column elements.
type NTupleSize uint64

// ClusterIndex addresses an element relative to the start of a cluster.
type ClusterIndex struct {
	ClusterID DescriptorID
	Index     NTupleSize
}

func (ci ClusterIndex) String() string {
	return fmt.Sprintf("%d:%d", ci.ClusterID, ci.Index)
}

// ClusterInfo places a page within its cluster.
type ClusterInfo struct {
	ID DescriptorID
	// IndexOffset is the global index of the first element of the column in the cluster.
	IndexOffset NTupleSize
}

// StorageType distinguishes sinks from sources.
type StorageType uint8

const (
	TypeSink StorageType = iota + 1
	TypeSource
)

func (t StorageType) String() string {
	switch t {
	case TypeSink:
		return "sink"
	case TypeSource:
		return "source"
	default:
		return "unknown"
	}
}

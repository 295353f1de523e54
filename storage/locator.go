package storage

import "fmt"

// LocatorType tells how a Locator is resolved by its medium.
type LocatorType uint8

const (
	// LocatorFile addresses a byte range of the ntuple file.
	LocatorFile LocatorType = iota
	// LocatorObject addresses a byte range of a named object.
	LocatorObject
)

// Locator references a blob written by a backend. It is opaque to the
// storage layer and resolved only by the medium that produced it.
type Locator struct {
	Type     LocatorType `json:"type"`
	Object   string      `json:"obj,omitempty"`
	Position uint64      `json:"pos"`
	Size     uint32      `json:"size"`
}

func (l Locator) String() string {
	if l.Type == LocatorObject {
		return fmt.Sprintf("%s@%d+%d", l.Object, l.Position, l.Size)
	}
	return fmt.Sprintf("@%d+%d", l.Position, l.Size)
}

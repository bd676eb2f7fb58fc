package freespace

import (
	"io"

	"github.com/garethgeorge/fheapspace/internal/arena"
)

// ID names a section owned by the client.
type ID = arena.Handle

// Flags modify a single Add.
type Flags uint8

const (
	// Deserializing marks sections being loaded from an image.
	Deserializing Flags = 1 << iota
	// ReturnedSpace marks space handed back by the heap; only such
	// sections are merged and shrunk on insertion.
	ReturnedSpace
	// SkipValid suppresses the post-insertion validity check.
	SkipValid
)

type ClassFlags uint8

const (
	// MergeSym restricts merging to sections of the same class.
	MergeSym ClassFlags = 1 << iota
	// SeparObj keeps the class off the merge list.
	SeparObj
	// GhostObj sections are rebuilt from others and never serialized.
	GhostObj
)

type ClassID uint8

type Class struct {
	ID         ClassID
	Name       string
	Flags      ClassFlags
	SerialSize int
}

// Info is what the store knows about a linked section.
type Info struct {
	Addr  uint64
	Size  uint64
	Class ClassID
}

// Client implements the class callbacks for the sections it owns.
// Callbacks may re-enter the Manager.
type Client interface {
	Info(id ID) Info
	// Add runs before a section is linked. It may replace *id, clear it to
	// drop the section, or add flags.
	Add(id *ID, flags *Flags) error
	CanMerge(a, b ID) (bool, error)
	// Merge absorbs b into *a. *a is cleared if nothing remains to link.
	// A failed Merge leaves both sections as they were.
	Merge(a *ID, b ID) error
	CanShrink(id ID) (bool, error)
	// Shrink returns the section's space to the heap, clearing *id if the
	// section is gone.
	Shrink(id *ID) error
	Free(id ID) error
	// Serialize appends the class payload of id to buf.
	Serialize(id ID, buf []byte) ([]byte, error)
	// Deserialize rebuilds a section from its record. When noAdd is set the
	// client has already linked everything it needs.
	Deserialize(class ClassID, addr, size uint64, payload []byte) (id ID, noAdd bool, err error)
	Valid(id ID) error
	// Debug writes the class specific detail of id, indented by indent spaces.
	Debug(w io.Writer, id ID, indent int) error
}

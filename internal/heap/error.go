package heap

var (
	ErrBlockLookup = &HeapError{"address does not resolve to a heap block"}
	ErrChecksum    = &HeapError{"direct block checksum mismatch"}
	ErrNoRoot      = &HeapError{"heap has no root block"}
	ErrEntryInUse  = &HeapError{"indirect block entry is already in use"}
	ErrPinned      = &HeapError{"indirect block pin count underflow"}
)

// HeapError is a sentinel error of the block layer.
type HeapError struct {
	Msg string
}

func (e *HeapError) Error() string {
	return e.Msg
}

func (e *HeapError) Is(target error) bool {
	if targetErr, ok := target.(*HeapError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

package fheap

var (
	ErrNoSpace       = &ManagerError{"no free section is large enough"}
	ErrTooLarge      = &ManagerError{"object does not fit a direct block"}
	ErrUnknownObject = &ManagerError{"no such object"}
	ErrCorrupt       = &ManagerError{"heap image is corrupt"}
)

// ManagerError is a sentinel error of the heap manager.
type ManagerError struct {
	Msg string
}

func (e *ManagerError) Error() string {
	return e.Msg
}

func (e *ManagerError) Is(target error) bool {
	if targetErr, ok := target.(*ManagerError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

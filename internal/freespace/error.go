package freespace

var (
	ErrUnknownClass  = &StoreError{"unknown section class"}
	ErrNotLinked     = &StoreError{"section is not in the free list"}
	ErrAlreadyLinked = &StoreError{"section is already in the free list"}
	ErrDuplicateAddr = &StoreError{"another section starts at the same address"}
	ErrCorrupt       = &StoreError{"free list image is corrupt"}
	ErrMismatch      = &StoreError{"section no longer matches its free list record"}
)

type StoreError struct {
	Msg string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func (e *StoreError) Is(target error) bool {
	if targetErr, ok := target.(*StoreError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

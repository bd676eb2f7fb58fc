package filespace

var (
	ErrDoubleFree  = &SpaceError{"range is already free"}
	ErrOutOfBounds = &SpaceError{"range lies outside allocated space"}
	ErrInUse       = &SpaceError{"range overlaps allocated space"}
)

type SpaceError struct {
	Msg string
}

func (e *SpaceError) Error() string {
	return e.Msg
}

func (e *SpaceError) Is(target error) bool {
	if targetErr, ok := target.(*SpaceError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

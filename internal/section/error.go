package section

var (
	ErrAllocationFailed = &SectionError{"section arena is full"}
	ErrBlockLookup      = &SectionError{"section does not resolve to a heap block"}
	ErrInvariant        = &SectionError{"section invariant violated"}
)

type SectionError struct {
	Msg string
}

func (e *SectionError) Error() string {
	return e.Msg
}

func (e *SectionError) Is(target error) bool {
	if targetErr, ok := target.(*SectionError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

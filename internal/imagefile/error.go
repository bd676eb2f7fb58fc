package imagefile

var (
	ErrBadMagic     = &ImageError{"not a free-space image"}
	ErrVersion      = &ImageError{"unsupported image version"}
	ErrDigest       = &ImageError{"image digest mismatch"}
	ErrCorrupt      = &ImageError{"image is corrupt"}
	ErrUnknownAlgo  = &ImageError{"unknown digest algorithm"}
	ErrCopiesDiffer = &ImageError{"image copies differ"}
)

// ImageError is a sentinel error of the image format.
type ImageError struct {
	Msg string
}

func (e *ImageError) Error() string {
	return e.Msg
}

func (e *ImageError) Is(target error) bool {
	if targetErr, ok := target.(*ImageError); ok {
		return e.Msg == targetErr.Msg
	}
	return false
}

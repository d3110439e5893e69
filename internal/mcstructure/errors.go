package mcstructure

import "errors"

var (
	// ErrConstruction reports an invalid structure size.
	ErrConstruction = errors.New("mcstructure: invalid structure")
	// ErrBounds reports a position outside the structure.
	ErrBounds = errors.New("mcstructure: position out of bounds")
	// ErrValidation reports a rejected value: an item slot or count outside
	// the byte range, or a malformed state value reaching the encoder.
	ErrValidation = errors.New("mcstructure: validation failed")
	// ErrStaleHandle reports use of a placement handle whose cell has since
	// been overwritten by another placement.
	ErrStaleHandle = errors.New("mcstructure: stale placement handle")
)

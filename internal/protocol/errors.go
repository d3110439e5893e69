package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Build layer.
	ErrBadPlan     = "E_BAD_PLAN"
	ErrOutOfBounds = "E_OUT_OF_BOUNDS"
	ErrValidation  = "E_VALIDATION"
	ErrTooLarge    = "E_TOO_LARGE"
	ErrBusy        = "E_BUSY"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadPlan:         {},
	ErrOutOfBounds:     {},
	ErrValidation:      {},
	ErrTooLarge:        {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

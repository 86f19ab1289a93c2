package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Link state.
	ErrLinkBusy     = "E_LINK_BUSY"
	ErrLinkDenied   = "E_LINK_DENIED"
	ErrLinkConflict = "E_LINK_CONFLICT"

	// Update application.
	ErrBadUpdate = "E_BAD_UPDATE"
	ErrInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrLinkBusy:        {},
	ErrLinkDenied:      {},
	ErrLinkConflict:    {},
	ErrBadUpdate:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

const (
	// Framing and decoding.
	ErrPacketParse   = "PACKET_PARSE_ERROR"
	ErrInvalidJSON   = "INVALID_JSON"
	ErrUnknownPacket = "UNKNOWN_PACKET_TYPE"

	// Lookup and authorization.
	ErrClaimNotFound    = "CLAIM_NOT_FOUND"
	ErrPermissionDenied = "PERMISSION_DENIED"

	// Validation.
	ErrValidationFailed  = "VALIDATION_FAILED"
	ErrClaimOverlap      = "CLAIM_OVERLAP"
	ErrClaimTooSmall     = "CLAIM_TOO_SMALL"
	ErrClaimTooLarge     = "CLAIM_TOO_LARGE"
	ErrClaimTooClose     = "CLAIM_TOO_CLOSE"
	ErrClaimLimitReached = "CLAIM_LIMIT_REACHED"
	ErrWorldDisabled     = "WORLD_DISABLED"
	ErrOutsideBorder     = "OUTSIDE_WORLD_BORDER"
	ErrSpawnProtected    = "SPAWN_PROTECTED"
	ErrInvalidField      = "INVALID_FIELD"

	// Collaborators.
	ErrDatabase = "DATABASE_ERROR"
	ErrInternal = "INTERNAL_ERROR"
)

var knownCodes = map[string]struct{}{
	ErrPacketParse:       {},
	ErrInvalidJSON:       {},
	ErrUnknownPacket:     {},
	ErrClaimNotFound:     {},
	ErrPermissionDenied:  {},
	ErrValidationFailed:  {},
	ErrClaimOverlap:      {},
	ErrClaimTooSmall:     {},
	ErrClaimTooLarge:     {},
	ErrClaimTooClose:     {},
	ErrClaimLimitReached: {},
	ErrWorldDisabled:     {},
	ErrOutsideBorder:     {},
	ErrSpawnProtected:    {},
	ErrInvalidField:      {},
	ErrDatabase:          {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

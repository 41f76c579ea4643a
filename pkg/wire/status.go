package wire

// StatusCode is a 16-bit status code carried by AckStatus messages and
// signal values. The top two bits follow the OPC UA convention:
// 00 = Good, 01 = Uncertain, 10 = Bad.
type StatusCode uint16

const (
	// StatusGood indicates the message was accepted and applied.
	StatusGood StatusCode = 0x0000

	// StatusUncertain indicates the message was received but its effect
	// is not guaranteed. The node should not retry with a new identifier.
	StatusUncertain StatusCode = 0x4000

	// StatusBad is the generic rejection code.
	StatusBad StatusCode = 0x8000

	// StatusBadMalformed indicates the payload could not be decoded or
	// failed validation.
	StatusBadMalformed StatusCode = 0x8010

	// StatusBadIdentityConflict indicates a Register claim collided with
	// an existing node identity bound to different device material.
	// Never auto-resolved; requires operator attention.
	StatusBadIdentityConflict StatusCode = 0x8020

	// StatusBadNotRegistered indicates a message from a node the server
	// does not know. The node should re-register.
	StatusBadNotRegistered StatusCode = 0x8030

	// StatusBadDenied indicates the registration was rejected by the user.
	StatusBadDenied StatusCode = 0x8040
)

// IsGood reports whether the code is in the Good range.
func (s StatusCode) IsGood() bool {
	return s&0xC000 == 0
}

// IsUncertain reports whether the code is in the Uncertain range.
func (s StatusCode) IsUncertain() bool {
	return s&0xC000 == 0x4000
}

// IsBad reports whether the code is in the Bad range.
func (s StatusCode) IsBad() bool {
	return s&0x8000 != 0
}

// String returns the status name.
func (s StatusCode) String() string {
	switch s {
	case StatusGood:
		return "GOOD"
	case StatusUncertain:
		return "UNCERTAIN"
	case StatusBad:
		return "BAD"
	case StatusBadMalformed:
		return "BAD_MALFORMED"
	case StatusBadIdentityConflict:
		return "BAD_IDENTITY_CONFLICT"
	case StatusBadNotRegistered:
		return "BAD_NOT_REGISTERED"
	case StatusBadDenied:
		return "BAD_DENIED"
	default:
		switch {
		case s.IsGood():
			return "GOOD_OTHER"
		case s.IsUncertain():
			return "UNCERTAIN_OTHER"
		default:
			return "BAD_OTHER"
		}
	}
}

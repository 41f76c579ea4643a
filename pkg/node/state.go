package node

// State is the node's registration lifecycle state.
type State uint8

const (
	// StateUnregistered means the node has no server-side session. This
	// is the factory state, and the state after a denied registration.
	StateUnregistered State = iota

	// StateRegistering means a Register is in flight and not yet
	// acknowledged.
	StateRegistering

	// StateAwaitingApproval means the server acknowledged the Register
	// and the node waits for the user's decision, polling.
	StateAwaitingApproval

	// StateOperating means the registration was approved; the node runs
	// under its session key.
	StateOperating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistering:
		return "REGISTERING"
	case StateAwaitingApproval:
		return "AWAITING_APPROVAL"
	case StateOperating:
		return "OPERATING"
	default:
		return "UNKNOWN"
	}
}

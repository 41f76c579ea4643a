package log

import (
	"time"

	"github.com/proper-automation/proper-go/pkg/wire"
)

// Event represents a protocol trace event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"2,keyasint"`

	// Role indicates whether the local endpoint is a node or a server.
	Role Role `cbor:"3,keyasint,omitempty"`

	// NodeID is the node the event concerns.
	NodeID string `cbor:"4,keyasint,omitempty"`

	// Epoch is the key epoch the channel was operating in.
	Epoch uint8 `cbor:"5,keyasint,omitempty"`

	// Type-specific payload (exactly one is set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // raw bytes on the channel
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // decoded frame
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // session/epoch state
	Outbox      *OutboxEvent      `cbor:"13,keyasint,omitempty"` // outbox activity
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint is a node or a server.
type Role uint8

const (
	// RoleNode indicates this endpoint is a node.
	RoleNode Role = 0
	// RoleServer indicates this endpoint is a server.
	RoleServer Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleNode:
		return "NODE"
	case RoleServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame bytes on the channel.
type FrameEvent struct {
	// Size is the encoded frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Codec is the codec name ("msgpack" or "json").
	Codec string `cbor:"2,keyasint,omitempty"`
}

// MessageEvent captures a decoded frame.
type MessageEvent struct {
	// Kind is the message kind.
	Kind wire.MessageKind `cbor:"1,keyasint"`

	// MID is the frame's message identifier.
	MID uint64 `cbor:"2,keyasint"`

	// Acks lists acknowledged message identifiers carried by the frame.
	Acks []uint64 `cbor:"3,keyasint,omitempty"`

	// Pending is the server's pending flag, when meaningful.
	Pending bool `cbor:"4,keyasint,omitempty"`

	// Status is the AckStatus code, for AckStatus messages.
	Status *wire.StatusCode `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent captures session and epoch transitions.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntitySession indicates a node session state change.
	StateEntitySession StateEntity = 0
	// StateEntityEpoch indicates a key epoch change.
	StateEntityEpoch StateEntity = 1
	// StateEntityChannel indicates a channel lifecycle change.
	StateEntityChannel StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntitySession:
		return "SESSION"
	case StateEntityEpoch:
		return "EPOCH"
	case StateEntityChannel:
		return "CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// OutboxEvent captures server outbox activity.
type OutboxEvent struct {
	// Action performed on the outbox.
	Action OutboxAction `cbor:"1,keyasint"`

	// MID is the outbox entry's message identifier.
	MID uint64 `cbor:"2,keyasint"`

	// Kind is the queued message kind.
	Kind wire.MessageKind `cbor:"3,keyasint,omitempty"`

	// Depth is the outbox depth after the action.
	Depth int `cbor:"4,keyasint"`
}

// OutboxAction identifies what happened to an outbox entry.
type OutboxAction uint8

const (
	// OutboxEnqueued indicates an entry was queued.
	OutboxEnqueued OutboxAction = 0
	// OutboxDelivered indicates an entry was transmitted (still in flight).
	OutboxDelivered OutboxAction = 1
	// OutboxAcked indicates an entry was acknowledged and removed.
	OutboxAcked OutboxAction = 2
)

// String returns the outbox action name.
func (a OutboxAction) String() string {
	switch a {
	case OutboxEnqueued:
		return "ENQUEUED"
	case OutboxDelivered:
		return "DELIVERED"
	case OutboxAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures an error at any layer.
type ErrorEventData struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`

	// Context names the operation that failed.
	Context string `cbor:"2,keyasint,omitempty"`
}

package wire

import "fmt"

// MessageKind identifies the payload type of a frame.
// The numeric codes are part of the wire contract: codes below 100 are
// server-to-node, codes from 100 up are node-to-server.
type MessageKind uint8

const (
	// KindAckStatus acknowledges a previous message with a status code.
	// Server -> Node. The only message that never requires a response.
	KindAckStatus MessageKind = 1

	// KindRegisterAllowed grants a registration and carries the node's
	// fresh session key. Sent through the outbox after user approval.
	KindRegisterAllowed MessageKind = 2

	// KindRegisterDenied rejects a registration after user rejection.
	// The node must factory reset to try again.
	KindRegisterDenied MessageKind = 3

	// KindRequestDetails asks the node for its detailed description.
	KindRequestDetails MessageKind = 4

	// KindRegister is the first message from a new or factory-reset node.
	KindRegister MessageKind = 100

	// KindDetails is the node's response to RequestDetails.
	KindDetails MessageKind = 101

	// KindPush carries measured signal values from node to server.
	KindPush MessageKind = 110

	// KindPoll asks the server for the first pending outbox message.
	KindPoll MessageKind = 111

	// KindAck is a bare frame whose only purpose is carrying the ack list.
	KindAck MessageKind = 112
)

// String returns the message kind name.
func (k MessageKind) String() string {
	switch k {
	case KindAckStatus:
		return "AckStatus"
	case KindRegisterAllowed:
		return "RegisterAllowed"
	case KindRegisterDenied:
		return "RegisterDenied"
	case KindRequestDetails:
		return "RequestDetails"
	case KindRegister:
		return "Register"
	case KindDetails:
		return "Details"
	case KindPush:
		return "Push"
	case KindPoll:
		return "Poll"
	case KindAck:
		return "Ack"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// IsServerToNode reports whether the kind flows from server to node.
func (k MessageKind) IsServerToNode() bool {
	return k >= KindAckStatus && k <= KindRequestDetails
}

// IsNodeToServer reports whether the kind flows from node to server.
func (k MessageKind) IsNodeToServer() bool {
	return k >= KindRegister && k <= KindAck
}

// IsValid reports whether the kind is a known message kind.
func (k MessageKind) IsValid() bool {
	return k.IsServerToNode() || k.IsNodeToServer()
}

// Message is a typed frame payload.
type Message interface {
	Kind() MessageKind
}

// AckStatus acknowledges a previous message, with a status code.
// Transport layer status codes should follow the message contents
// (HTTP: Good -> 2xx, Bad or Uncertain -> 4xx; CoAP: Good -> 2.xx,
// Bad or Uncertain -> 4.xx).
type AckStatus struct {
	RMID uint64     `json:"rmid" msgpack:"rmid"` // message identifier being acknowledged
	Code StatusCode `json:"code" msgpack:"code"`
}

// Kind returns KindAckStatus.
func (*AckStatus) Kind() MessageKind { return KindAckStatus }

// RegisterAllowed grants a node's registration after user acceptance.
// From this point on the node uses the session key to push data.
type RegisterAllowed struct {
	NodeID     NodeID `json:"nuid" msgpack:"nuid"`
	SessionKey []byte `json:"npsk" msgpack:"npsk"`
}

// Kind returns KindRegisterAllowed.
func (*RegisterAllowed) Kind() MessageKind { return KindRegisterAllowed }

// RegisterDenied rejects a node's registration after user rejection.
type RegisterDenied struct {
	NodeID NodeID `json:"nuid" msgpack:"nuid"`
}

// Kind returns KindRegisterDenied.
func (*RegisterDenied) Kind() MessageKind { return KindRegisterDenied }

// RequestDetails asks a node for detailed information, usually after
// RegisterAllowed.
type RequestDetails struct {
	NodeID NodeID `json:"nuid" msgpack:"nuid"`
}

// Kind returns KindRequestDetails.
func (*RequestDetails) Kind() MessageKind { return KindRequestDetails }

// Register is the first message from a new or factory-reset node. It
// carries enough for a user to identify the node during approval.
// Always sent under the shared pre-encryption key.
type Register struct {
	NodeID   NodeID     `json:"nuid" msgpack:"nuid"`
	Category DeviceType `json:"ncat" msgpack:"ncat"`
	Name     string     `json:"nnam" msgpack:"nnam"`
	Model    string     `json:"dmod" msgpack:"dmod"`
	Serial   string     `json:"dser" msgpack:"dser"`
	Vendor   string     `json:"cnam" msgpack:"cnam"`
}

// Kind returns KindRegister.
func (*Register) Kind() MessageKind { return KindRegister }

// Details is the node's detailed description, sent in response to
// RequestDetails.
type Details struct {
	NodeID    NodeID         `json:"nuid" msgpack:"nuid"`
	Category  DeviceType     `json:"ndev" msgpack:"ndev"`
	Name      string         `json:"nnam" msgpack:"nnam"`
	Model     string         `json:"dmod" msgpack:"dmod"`
	Serial    string         `json:"dser" msgpack:"dser"`
	DeviceURL string         `json:"durl,omitempty" msgpack:"durl,omitempty"`
	Vendor    string         `json:"cnam" msgpack:"cnam"`
	VendorURL string         `json:"curl,omitempty" msgpack:"curl,omitempty"`
	Signals   []SignalConfig `json:"sign,omitempty" msgpack:"sign,omitempty"`
}

// Kind returns KindDetails.
func (*Details) Kind() MessageKind { return KindDetails }

// Push carries measured signal values from a node.
type Push struct {
	Values []SignalValue `json:"data" msgpack:"data"`
}

// Kind returns KindPush.
func (*Push) Kind() MessageKind { return KindPush }

// Poll asks the server for the first pending outbox message. If the outbox
// is empty the server answers with a plain AckStatus. The node is expected
// to acknowledge whatever the server delivers; unacknowledged messages are
// retransmitted on a later Poll.
type Poll struct{}

// Kind returns KindPoll.
func (*Poll) Kind() MessageKind { return KindPoll }

// Ack is an empty payload for frames that only carry the ack list.
type Ack struct{}

// Kind returns KindAck.
func (*Ack) Kind() MessageKind { return KindAck }

// newMessage returns an empty message of the given kind, for decoding.
func newMessage(k MessageKind) (Message, error) {
	switch k {
	case KindAckStatus:
		return &AckStatus{}, nil
	case KindRegisterAllowed:
		return &RegisterAllowed{}, nil
	case KindRegisterDenied:
		return &RegisterDenied{}, nil
	case KindRequestDetails:
		return &RequestDetails{}, nil
	case KindRegister:
		return &Register{}, nil
	case KindDetails:
		return &Details{}, nil
	case KindPush:
		return &Push{}, nil
	case KindPoll:
		return &Poll{}, nil
	case KindAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("unknown message kind: %d", uint8(k))
	}
}

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// NodeID is the 128-bit unique identifier of a Proper node.
// The zero value is reserved for servers.
//
// A NodeID is minted once, at the node's first registration attempt, and
// persists across reconnects and address changes. IPv6 addresses are not an
// identity.
type NodeID [16]byte

// ServerID is the reserved identifier for Proper servers.
var ServerID = NodeID{}

// NewNodeID returns a fresh random node identifier.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// ParseNodeID parses the canonical UUID string form of a node identifier.
func ParseNodeID(s string) (NodeID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeID(u), nil
}

// String returns the canonical UUID string form.
func (n NodeID) String() string {
	return uuid.UUID(n).String()
}

// IsServer reports whether the identifier is the reserved server identifier.
func (n NodeID) IsServer() bool {
	return n == ServerID
}

// MarshalJSON encodes the identifier as its UUID string form.
func (n NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON decodes the identifier from its UUID string form.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseNodeID(s)
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// EncodeMsgpack encodes the identifier as 16 raw bytes.
func (n NodeID) EncodeMsgpack(e *msgpack.Encoder) error {
	return e.EncodeBytes(n[:])
}

// DecodeMsgpack decodes the identifier from 16 raw bytes.
func (n *NodeID) DecodeMsgpack(d *msgpack.Decoder) error {
	b, err := d.DecodeBytes()
	if err != nil {
		return err
	}
	if len(b) != len(n) {
		return fmt.Errorf("invalid node id length: %d", len(b))
	}
	copy(n[:], b)
	return nil
}

// Compile-time interface satisfaction checks.
var (
	_ json.Marshaler        = NodeID{}
	_ json.Unmarshaler      = (*NodeID)(nil)
	_ msgpack.CustomEncoder = NodeID{}
	_ msgpack.CustomDecoder = (*NodeID)(nil)
)

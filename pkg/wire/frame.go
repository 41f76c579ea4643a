package wire

import (
	"fmt"

	"github.com/proper-automation/proper-go/pkg/version"
)

// Frame is the top-level envelope for all Proper Home Automation messages.
//
// The ack list allows a sender to acknowledge previously received message
// identifiers asynchronously, piggybacked on any frame. The pending flag is
// only meaningful server-to-node and signals that the sender's outbox holds
// one or more undelivered messages.
type Frame struct {
	Src     NodeID          // source node (ServerID for servers)
	Dst     NodeID          // destination node
	Ver     version.Version // protocol version
	MID     uint64          // message identifier, monotonic per sender per node
	Pending bool            // sender has pending messages in its outbox
	Ack     []uint64        // acknowledged message identifiers
	Msg     Message         // typed payload
}

// Validate checks the frame invariants common to both directions.
func (f *Frame) Validate() error {
	if f.Msg == nil {
		return fmt.Errorf("frame has no message")
	}
	if !f.Msg.Kind().IsValid() {
		return fmt.Errorf("invalid message kind: %d", uint8(f.Msg.Kind()))
	}
	if f.MID == 0 {
		return fmt.Errorf("message id must not be zero")
	}
	if !version.Current.Compatible(f.Ver) {
		return fmt.Errorf("incompatible protocol version %s", f.Ver)
	}
	return nil
}

// Acknowledges reports whether the frame's ack list contains mid.
func (f *Frame) Acknowledges(mid uint64) bool {
	for _, a := range f.Ack {
		if a == mid {
			return true
		}
	}
	return false
}

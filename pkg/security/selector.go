package security

import (
	"bytes"
	"errors"
	"sync"

	"github.com/proper-automation/proper-go/pkg/wire"
)

// Epoch identifies which key material secures a node's channel.
type Epoch uint8

const (
	// EpochPreApproval is the shared pre-encryption key epoch.
	EpochPreApproval Epoch = 0

	// EpochApproved is the node-specific session key epoch.
	EpochApproved Epoch = 1
)

// String returns the epoch name.
func (e Epoch) String() string {
	switch e {
	case EpochPreApproval:
		return "PRE_APPROVAL"
	case EpochApproved:
		return "APPROVED"
	default:
		return "UNKNOWN"
	}
}

// Selector errors.
var (
	ErrEmptySessionKey = errors.New("empty session key")
	ErrKeyMismatch     = errors.New("node already approved with a different session key")
)

// nodeContext is the per-node tagged security state. A node is either
// pre-approval (no key stored, shared key applies) or approved with a
// session key. The invalid "approved without key" state is unrepresentable.
type nodeContext struct {
	sessionKey []byte // non-empty iff approved
}

// Selector chooses the key material for each node's secured channel.
// It is safe for concurrent use.
type Selector struct {
	mu     sync.RWMutex
	shared []byte
	nodes  map[wire.NodeID]nodeContext
}

// NewSelector creates a selector with the network's shared pre-encryption
// key.
func NewSelector(sharedKey []byte) *Selector {
	return &Selector{
		shared: sharedKey,
		nodes:  make(map[wire.NodeID]nodeContext),
	}
}

// CurrentKey returns the key material and epoch for a node. Before
// approval this is the shared key at epoch 0; after approval the node's
// session key at epoch 1.
func (s *Selector) CurrentKey(id wire.NodeID) ([]byte, Epoch) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ctx, ok := s.nodes[id]; ok {
		return ctx.sessionKey, EpochApproved
	}
	return s.shared, EpochPreApproval
}

// Epoch returns the node's current epoch.
func (s *Selector) Epoch(id wire.NodeID) Epoch {
	_, epoch := s.CurrentKey(id)
	return epoch
}

// Promote moves a node to the approved epoch with its session key.
// Promoting again with the same key is a no-op; promoting with a different
// key is an error, since a session key is minted exactly once per node.
func (s *Selector) Promote(id wire.NodeID, sessionKey []byte) error {
	if len(sessionKey) == 0 {
		return ErrEmptySessionKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx, ok := s.nodes[id]; ok {
		if !bytes.Equal(ctx.sessionKey, sessionKey) {
			return ErrKeyMismatch
		}
		return nil
	}

	key := make([]byte, len(sessionKey))
	copy(key, sessionKey)
	s.nodes[id] = nodeContext{sessionKey: key}
	return nil
}

// Reset drops a node back to the pre-approval epoch. Only a full
// re-registration may follow; the epoch never moves backwards otherwise.
func (s *Selector) Reset(id wire.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

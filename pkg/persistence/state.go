// Package persistence provides runtime state persistence for Proper nodes
// and servers.
//
// This package handles the JSON serialization of runtime state (node
// identity, key epoch, session key, message id high-water marks) that must
// survive restarts. A node that loses this state re-registers from scratch.
package persistence

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// NodeState contains the runtime state for a Proper node.
type NodeState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// NodeID is the node's stable identity, minted at first registration.
	NodeID string `json:"node_id"`

	// MasterFingerprint detects master secret rotation. A mismatch on
	// load discards the whole state and forces a full re-registration.
	MasterFingerprint []byte `json:"master_fingerprint"`

	// Approved indicates the node holds a session key (key epoch 1).
	Approved bool `json:"approved,omitempty"`

	// SessionKey is the node-specific pre-shared key, set once approved.
	SessionKey []byte `json:"session_key,omitempty"`

	// LastSentMID is the highest message id this node has sent.
	LastSentMID uint64 `json:"last_sent_mid,omitempty"`

	// LastServerMID is the highest server message id this node has
	// acknowledged.
	LastServerMID uint64 `json:"last_server_mid,omitempty"`
}

// NodeStateStore manages persistence of node state to a JSON file.
type NodeStateStore struct {
	mu   sync.Mutex
	path string
}

// NewNodeStateStore creates a new node state store.
func NewNodeStateStore(path string) *NodeStateStore {
	return &NodeStateStore{path: path}
}

// Save persists the node state to disk.
func (s *NodeStateStore) Save(state *NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0600)
}

// Load reads the node state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *NodeStateStore) Load() (*NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &NodeState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}

// LoadFor reads the node state and validates it against the master secret
// fingerprint. A rotated master secret invalidates the state: the file is
// cleared and nil is returned, so the caller re-registers.
func (s *NodeStateStore) LoadFor(masterFingerprint []byte) (*NodeState, error) {
	state, err := s.Load()
	if err != nil || state == nil {
		return state, err
	}
	if !bytes.Equal(state.MasterFingerprint, masterFingerprint) {
		if err := s.Clear(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return state, nil
}

// Clear removes the state file.
func (s *NodeStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

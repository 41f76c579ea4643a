package server

import (
	"sync"
	"time"

	"github.com/proper-automation/proper-go/pkg/wire"
)

// NodeSessionState is the server-side lifecycle state of a node.
type NodeSessionState uint8

const (
	// StateUnregistered means no session exists for the node.
	StateUnregistered NodeSessionState = iota

	// StateAwaitingApproval means the node registered and waits for the
	// user's decision.
	StateAwaitingApproval

	// StateOperating means the node's registration was approved and
	// acknowledged; the node runs under its session key.
	StateOperating
)

// String returns the state name.
func (s NodeSessionState) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateAwaitingApproval:
		return "AWAITING_APPROVAL"
	case StateOperating:
		return "OPERATING"
	default:
		return "UNKNOWN"
	}
}

// replayWindow is how many recent message ids each session remembers for
// replay detection. Node message ids are monotonic, so older entries can
// be pruned against the high-water mark.
const replayWindow = 256

// session holds all server-side state for one node. All fields are guarded
// by mu; the manager locks a session for the whole handling of one frame,
// so compound operations (pop-and-mark-in-flight, ack-and-remove) never
// interleave for the same node.
type session struct {
	mu sync.Mutex

	id       wire.NodeID
	state    NodeSessionState
	register *wire.Register
	details  *wire.Details

	outbox outbox

	// replay maps a node message id to the status originally answered.
	// Redelivery of a processed id replays the recorded status instead of
	// reprocessing the payload.
	replay      map[uint64]wire.StatusCode
	highestSeen uint64

	// nextMID allocates server-to-node message ids, monotonic per node.
	nextMID uint64

	// sessionKey is minted exactly once, when the node is approved.
	sessionKey []byte

	createdAt time.Time
	lastSeen  time.Time

	// removed marks a session deleted (denied registration acknowledged).
	removed bool

	// pendingNotify holds a registration whose approval notification has
	// not fired yet. Consumed outside the session lock.
	pendingNotify *wire.Register
}

func newSession(id wire.NodeID) *session {
	now := time.Now()
	return &session{
		id:        id,
		state:     StateAwaitingApproval,
		replay:    make(map[uint64]wire.StatusCode),
		createdAt: now,
		lastSeen:  now,
	}
}

// allocMIDLocked returns the next server-to-node message id.
func (s *session) allocMIDLocked() uint64 {
	s.nextMID++
	return s.nextMID
}

// recordReplayLocked remembers the status answered for a node message id
// and prunes ids that fell out of the replay window.
func (s *session) recordReplayLocked(mid uint64, code wire.StatusCode) {
	s.replay[mid] = code
	if mid > s.highestSeen {
		s.highestSeen = mid
	}
	for old := range s.replay {
		if old+replayWindow < s.highestSeen {
			delete(s.replay, old)
		}
	}
}

// replayedLocked returns the recorded status for a message id, if any.
func (s *session) replayedLocked(mid uint64) (wire.StatusCode, bool) {
	code, ok := s.replay[mid]
	return code, ok
}

// SessionInfo is a read-only snapshot of a node session, for operator
// tooling.
type SessionInfo struct {
	NodeID   wire.NodeID
	State    NodeSessionState
	Name     string
	Model    string
	Serial   string
	Vendor   string
	Category wire.DeviceType
	Queued   int
	LastSeen time.Time
}

// infoLocked snapshots the session.
func (s *session) infoLocked() SessionInfo {
	info := SessionInfo{
		NodeID:   s.id,
		State:    s.state,
		Queued:   s.outbox.depth(),
		LastSeen: s.lastSeen,
	}
	if s.register != nil {
		info.Name = s.register.Name
		info.Model = s.register.Model
		info.Serial = s.register.Serial
		info.Vendor = s.register.Vendor
		info.Category = s.register.Category
	}
	return info
}

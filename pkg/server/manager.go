package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/log"
	"github.com/proper-automation/proper-go/pkg/security"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

// SessionKeySize is the size of a minted node session key in bytes.
const SessionKeySize = 32

// Manager errors.
var (
	ErrUnknownNode     = errors.New("unknown node")
	ErrNotAwaiting     = errors.New("node is not awaiting approval")
	ErrServerSource    = errors.New("frame source is the server identifier")
	ErrWrongDirection  = errors.New("message kind not valid node to server")
	ErrInvalidIdentity = errors.New("invalid identity hint")
)

// TelemetrySink receives applied Push payloads. Implementations decide what
// storage means; the sink's error turns into the AckStatus answered to the
// node.
type TelemetrySink interface {
	Apply(id wire.NodeID, values []wire.SignalValue) error
}

// TelemetrySinkFunc adapts a function to the TelemetrySink interface.
type TelemetrySinkFunc func(id wire.NodeID, values []wire.SignalValue) error

// Apply calls f.
func (f TelemetrySinkFunc) Apply(id wire.NodeID, values []wire.SignalValue) error {
	return f(id, values)
}

// ApprovalNotifier is told when a new node registers and awaits the user's
// decision. The notification must not block; the decision arrives later
// through Approve or Deny.
type ApprovalNotifier interface {
	NodeAwaitingApproval(id wire.NodeID, reg *wire.Register)
}

// ApprovalNotifierFunc adapts a function to the ApprovalNotifier interface.
type ApprovalNotifierFunc func(id wire.NodeID, reg *wire.Register)

// NodeAwaitingApproval calls f.
func (f ApprovalNotifierFunc) NodeAwaitingApproval(id wire.NodeID, reg *wire.Register) {
	f(id, reg)
}

// Config configures a Manager.
type Config struct {
	// Master is the network master secret. Required; the shared
	// pre-encryption key is derived from it.
	Master keys.MasterSecret

	// Sink receives Push payloads. Optional; without a sink, pushes are
	// acknowledged and discarded.
	Sink TelemetrySink

	// Notifier is told about nodes awaiting approval. Optional.
	Notifier ApprovalNotifier

	// Logger is the operational logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Trace captures protocol events. Defaults to no capture.
	Trace log.Logger
}

// Manager holds the sessions of all known nodes and processes their frames.
// Sessions are independently locked; the manager's own lock only guards the
// session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[wire.NodeID]*session

	selector *security.Selector
	sink     TelemetrySink
	notifier ApprovalNotifier
	logger   *slog.Logger
	trace    log.Logger
}

// NewManager creates a manager. The master secret is validated first: a
// server must never accept a frame with undefined key material.
func NewManager(cfg Config) (*Manager, error) {
	sharedKey, err := keys.Derive(cfg.Master, keys.PurposeEncryptionKey)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trace := cfg.Trace
	if trace == nil {
		trace = log.NoopLogger{}
	}

	return &Manager{
		sessions: make(map[wire.NodeID]*session),
		selector: security.NewSelector(sharedKey),
		sink:     cfg.Sink,
		notifier: cfg.Notifier,
		logger:   logger,
		trace:    trace,
	}, nil
}

// Selector returns the server's security context selector.
func (m *Manager) Selector() *security.Selector {
	return m.selector
}

// KeyFor resolves the PSK for a transport identity hint (the node's
// identifier in string form). Satisfies transport.KeyFunc.
func (m *Manager) KeyFor(identity string) ([]byte, error) {
	id, err := wire.ParseNodeID(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	key, _ := m.selector.CurrentKey(id)
	return key, nil
}

// lookup returns the session for a node, or nil.
func (m *Manager) lookup(id wire.NodeID) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Receive processes one frame from a node and returns the response frame.
// Every node message is answered; only AckStatus itself never requires one.
//
// Redelivered frames are answered from the replay record: every mutating
// operation is keyed by (node identity, message id), so a retry with the
// same id is detected and never reprocessed.
func (m *Manager) Receive(frame *wire.Frame) (*wire.Frame, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	id := frame.Src
	if id.IsServer() {
		return nil, ErrServerSource
	}
	kind := frame.Msg.Kind()
	if !kind.IsNodeToServer() {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, kind)
	}

	m.traceMessage(id, log.DirectionIn, frame)

	sess, resp := m.dispatch(id, frame)
	if sess != nil {
		// Fire the approval notification outside the session lock, so a
		// notifier may call Approve or Deny directly.
		sess.mu.Lock()
		removed, notify := sess.removed, sess.pendingNotify
		sess.pendingNotify = nil
		sess.mu.Unlock()

		if removed {
			m.remove(id)
		}
		if notify != nil && m.notifier != nil {
			m.notifier.NodeAwaitingApproval(id, notify)
		}
	}
	if resp != nil {
		m.traceMessage(id, log.DirectionOut, resp)
	}
	return resp, nil
}

// dispatch routes the frame under the session lock.
func (m *Manager) dispatch(id wire.NodeID, frame *wire.Frame) (*session, *wire.Frame) {
	sess := m.lookup(id)

	if sess == nil {
		reg, ok := frame.Msg.(*wire.Register)
		if !ok {
			// Nothing to consult for this node; tell it to re-register.
			return nil, m.bareResponse(id, frame.MID, wire.StatusBadNotRegistered, false)
		}
		sess = m.create(id)
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess, m.handleRegisterLocked(sess, frame, reg)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeen = time.Now()

	// Piggybacked acknowledgements apply before the payload, so a frame
	// can ack a RegisterAllowed and immediately operate at the new state.
	for _, mid := range frame.Ack {
		m.ackLocked(sess, mid)
	}

	switch msg := frame.Msg.(type) {
	case *wire.Register:
		return sess, m.handleRegisterLocked(sess, frame, msg)
	case *wire.Poll:
		return sess, m.handlePollLocked(sess, frame)
	case *wire.Push:
		return sess, m.handlePushLocked(sess, frame, msg)
	case *wire.Details:
		return sess, m.handleDetailsLocked(sess, frame, msg)
	case *wire.Ack:
		// The payload is empty; the frame's ack list was handled above.
		return sess, m.responseLocked(sess, frame.MID, wire.StatusGood)
	default:
		return sess, m.responseLocked(sess, frame.MID, wire.StatusBadMalformed)
	}
}

// create adds a new session for a registering node.
func (m *Manager) create(id wire.NodeID) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing
	}
	sess := newSession(id)
	m.sessions[id] = sess
	return sess
}

// remove deletes a session and resets its key epoch.
func (m *Manager) remove(id wire.NodeID) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.selector.Reset(id)
}

// handleRegisterLocked processes a Register claim.
func (m *Manager) handleRegisterLocked(sess *session, frame *wire.Frame, reg *wire.Register) *wire.Frame {
	if code, ok := sess.replayedLocked(frame.MID); ok {
		return m.responseLocked(sess, frame.MID, code)
	}

	if sess.register != nil && !sameDevice(sess.register, reg) {
		// Identity takeover attempt or duplicated identity in the
		// field. Never auto-resolved.
		m.logger.Warn("register identity conflict",
			"node_id", sess.id,
			"known_serial", sess.register.Serial,
			"claimed_serial", reg.Serial)
		code := wire.StatusBadIdentityConflict
		sess.recordReplayLocked(frame.MID, code)
		return m.responseLocked(sess, frame.MID, code)
	}

	isNew := sess.register == nil
	sess.register = reg
	sess.recordReplayLocked(frame.MID, wire.StatusGood)

	if isNew {
		m.traceState(sess.id, log.StateEntitySession,
			StateUnregistered.String(), sess.state.String(), "register")
		m.logger.Info("node awaiting approval",
			"node_id", sess.id,
			"name", reg.Name,
			"model", reg.Model,
			"serial", reg.Serial)
		sess.pendingNotify = reg
	}

	return m.responseLocked(sess, frame.MID, wire.StatusGood)
}

// handlePollLocked answers a Poll with the earliest queued entry, or a
// plain Good acknowledgement when the outbox is empty.
func (m *Manager) handlePollLocked(sess *session, frame *wire.Frame) *wire.Frame {
	entry := sess.outbox.next()
	if entry == nil {
		return m.responseLocked(sess, frame.MID, wire.StatusGood)
	}

	entry.delivered = true
	m.traceOutbox(sess.id, log.OutboxDelivered, entry.mid, entry.msg.Kind(), sess.outbox.depth())

	return &wire.Frame{
		Src: wire.ServerID,
		Dst: sess.id,
		Ver: version.Current,
		MID: entry.mid,
		// Whether further entries remain after this one.
		Pending: sess.outbox.depth() > 1,
		Msg:     entry.msg,
	}
}

// handlePushLocked applies a Push payload through the sink, replaying the
// original status on redelivery so the payload is never applied twice.
func (m *Manager) handlePushLocked(sess *session, frame *wire.Frame, push *wire.Push) *wire.Frame {
	if code, ok := sess.replayedLocked(frame.MID); ok {
		return m.responseLocked(sess, frame.MID, code)
	}

	code := wire.StatusGood
	if m.sink != nil {
		if err := m.sink.Apply(sess.id, push.Values); err != nil {
			m.logger.Warn("telemetry sink rejected push",
				"node_id", sess.id, "mid", frame.MID, "error", err)
			code = wire.StatusBadMalformed
		}
	}

	sess.recordReplayLocked(frame.MID, code)
	return m.responseLocked(sess, frame.MID, code)
}

// handleDetailsLocked stores the node's detailed description.
func (m *Manager) handleDetailsLocked(sess *session, frame *wire.Frame, details *wire.Details) *wire.Frame {
	if code, ok := sess.replayedLocked(frame.MID); ok {
		return m.responseLocked(sess, frame.MID, code)
	}
	sess.details = details
	sess.recordReplayLocked(frame.MID, wire.StatusGood)
	return m.responseLocked(sess, frame.MID, wire.StatusGood)
}

// ackLocked removes the outbox entry matching an acknowledged message id.
// Unknown ids are no-ops: duplicate and late acks after redelivery are
// normal, not errors.
func (m *Manager) ackLocked(sess *session, mid uint64) {
	entry := sess.outbox.ack(mid)
	if entry == nil {
		return
	}
	m.traceOutbox(sess.id, log.OutboxAcked, mid, entry.msg.Kind(), sess.outbox.depth())

	switch msg := entry.msg.(type) {
	case *wire.RegisterAllowed:
		// Approval takes effect here, not at Approve time.
		old := sess.state
		sess.state = StateOperating
		if err := m.selector.Promote(sess.id, msg.SessionKey); err != nil {
			m.logger.Error("failed to promote node key epoch",
				"node_id", sess.id, "error", err)
		}
		m.traceState(sess.id, log.StateEntitySession, old.String(), sess.state.String(), "register allowed acked")
		m.traceState(sess.id, log.StateEntityEpoch,
			security.EpochPreApproval.String(), security.EpochApproved.String(), "")
		m.logger.Info("node operating", "node_id", sess.id)
	case *wire.RegisterDenied:
		sess.removed = true
		m.logger.Info("node denial acknowledged, session removed", "node_id", sess.id)
	}
}

// Approve queues the approval result for a node awaiting it. The session
// key is minted here, exactly once per node; calling Approve again is a
// no-op while the first result is undelivered or after it took effect.
func (m *Manager) Approve(id wire.NodeID) error {
	sess := m.lookup(id)
	if sess == nil {
		return ErrUnknownNode
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateOperating || sess.outbox.find(wire.KindRegisterAllowed) != nil {
		return nil
	}
	if sess.state != StateAwaitingApproval {
		return fmt.Errorf("%w: %s", ErrNotAwaiting, sess.state)
	}

	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to mint session key: %w", err)
	}
	sess.sessionKey = key

	mid := sess.allocMIDLocked()
	sess.outbox.enqueue(mid, &wire.RegisterAllowed{NodeID: id, SessionKey: key})
	m.traceOutbox(id, log.OutboxEnqueued, mid, wire.KindRegisterAllowed, sess.outbox.depth())
	m.logger.Info("node approved, delivery queued", "node_id", id, "mid", mid)
	return nil
}

// Deny queues the denial result for a node awaiting approval. The session
// is removed once the node acknowledges the denial.
func (m *Manager) Deny(id wire.NodeID) error {
	sess := m.lookup(id)
	if sess == nil {
		return ErrUnknownNode
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.outbox.find(wire.KindRegisterDenied) != nil {
		return nil
	}
	if sess.state != StateAwaitingApproval {
		return fmt.Errorf("%w: %s", ErrNotAwaiting, sess.state)
	}

	mid := sess.allocMIDLocked()
	sess.outbox.enqueue(mid, &wire.RegisterDenied{NodeID: id})
	m.traceOutbox(id, log.OutboxEnqueued, mid, wire.KindRegisterDenied, sess.outbox.depth())
	m.logger.Info("node denied, delivery queued", "node_id", id, "mid", mid)
	return nil
}

// RequestDetails queues a details request for an operating node.
func (m *Manager) RequestDetails(id wire.NodeID) (uint64, error) {
	return m.Enqueue(id, &wire.RequestDetails{NodeID: id})
}

// Enqueue queues an arbitrary server-to-node message for delivery on the
// node's next Poll and returns its message id.
func (m *Manager) Enqueue(id wire.NodeID, msg wire.Message) (uint64, error) {
	sess := m.lookup(id)
	if sess == nil {
		return 0, ErrUnknownNode
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	mid := sess.allocMIDLocked()
	sess.outbox.enqueue(mid, msg)
	m.traceOutbox(id, log.OutboxEnqueued, mid, msg.Kind(), sess.outbox.depth())
	return mid, nil
}

// Pending reports whether a node has queued outbox entries.
func (m *Manager) Pending(id wire.NodeID) bool {
	sess := m.lookup(id)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.outbox.pending()
}

// State returns a node's session state. Unknown nodes are Unregistered.
func (m *Manager) State(id wire.NodeID) NodeSessionState {
	sess := m.lookup(id)
	if sess == nil {
		return StateUnregistered
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// Details returns the stored detailed description for a node, if reported.
func (m *Manager) Details(id wire.NodeID) *wire.Details {
	sess := m.lookup(id)
	if sess == nil {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.details
}

// Sessions returns a snapshot of all node sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		infos = append(infos, sess.infoLocked())
		sess.mu.Unlock()
	}
	return infos
}

// responseLocked builds an AckStatus response with the session's current
// pending flag, so the node can immediately decide whether to Poll next.
func (m *Manager) responseLocked(sess *session, rmid uint64, code wire.StatusCode) *wire.Frame {
	return &wire.Frame{
		Src:     wire.ServerID,
		Dst:     sess.id,
		Ver:     version.Current,
		MID:     sess.allocMIDLocked(),
		Pending: sess.outbox.pending(),
		Msg:     &wire.AckStatus{RMID: rmid, Code: code},
	}
}

// bareResponse answers a frame for a node without a session.
func (m *Manager) bareResponse(id wire.NodeID, rmid uint64, code wire.StatusCode, pending bool) *wire.Frame {
	return &wire.Frame{
		Src:     wire.ServerID,
		Dst:     id,
		Ver:     version.Current,
		MID:     1,
		Pending: pending,
		Msg:     &wire.AckStatus{RMID: rmid, Code: code},
	}
}

// sameDevice reports whether two Register claims describe the same
// physical device.
func sameDevice(a, b *wire.Register) bool {
	return a.Serial == b.Serial && a.Model == b.Model && a.Vendor == b.Vendor
}

func (m *Manager) traceMessage(id wire.NodeID, dir log.Direction, frame *wire.Frame) {
	event := log.Event{
		Timestamp: time.Now(),
		Direction: dir,
		Role:      log.RoleServer,
		NodeID:    id.String(),
		Epoch:     uint8(m.selector.Epoch(id)),
		Message: &log.MessageEvent{
			Kind:    frame.Msg.Kind(),
			MID:     frame.MID,
			Acks:    frame.Ack,
			Pending: frame.Pending,
		},
	}
	if ack, ok := frame.Msg.(*wire.AckStatus); ok {
		code := ack.Code
		event.Message.Status = &code
	}
	m.trace.Log(event)
}

func (m *Manager) traceOutbox(id wire.NodeID, action log.OutboxAction, mid uint64, kind wire.MessageKind, depth int) {
	m.trace.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionOut,
		Role:      log.RoleServer,
		NodeID:    id.String(),
		Outbox: &log.OutboxEvent{
			Action: action,
			MID:    mid,
			Kind:   kind,
			Depth:  depth,
		},
	})
}

func (m *Manager) traceState(id wire.NodeID, entity log.StateEntity, oldState, newState, reason string) {
	m.trace.Log(log.Event{
		Timestamp: time.Now(),
		Role:      log.RoleServer,
		NodeID:    id.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

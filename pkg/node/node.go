package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/log"
	"github.com/proper-automation/proper-go/pkg/persistence"
	"github.com/proper-automation/proper-go/pkg/security"
	"github.com/proper-automation/proper-go/pkg/transport"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

// Defaults for exchange handling.
const (
	// DefaultExchangeTimeout bounds one send-and-wait-for-answer cycle.
	DefaultExchangeTimeout = 10 * time.Second

	// DefaultMaxRetries is how often an unanswered frame is retransmitted
	// with its original message id before the exchange fails.
	DefaultMaxRetries = 5
)

// Node errors.
var (
	ErrNotConnected   = errors.New("node is not connected")
	ErrNotOperating   = errors.New("node is not operating")
	ErrRegisterFailed = errors.New("registration rejected")
	ErrDenied         = errors.New("registration denied by the user")
	ErrClosed         = errors.New("node closed")
)

// Identity describes the device for the user's approval decision.
type Identity struct {
	Category wire.DeviceType
	Name     string
	Model    string
	Serial   string
	Vendor   string
}

// Config configures a Node.
type Config struct {
	// Master is the network master secret, obtained out of band (QR code,
	// NFC tag). Required.
	Master keys.MasterSecret

	// Identity is the device description sent with Register. Required.
	Identity Identity

	// Details optionally enriches the answer to RequestDetails with
	// URLs and the signal inventory. Identity fields and the node id are
	// filled in automatically.
	Details *wire.Details

	// Dialer opens secured channels to the server. Required.
	Dialer transport.Dialer

	// Codec selects the frame encoding. Defaults to wire.Msgpack.
	Codec wire.Codec

	// StatePath persists identity and session key across restarts.
	// Empty disables persistence; the node then re-registers on every
	// start.
	StatePath string

	// ExchangeTimeout bounds one request/answer cycle.
	ExchangeTimeout time.Duration

	// MaxRetries is the retransmission budget per exchange.
	MaxRetries int

	// Backoff paces the idle Poll loop and reconnect attempts.
	Backoff BackoffConfig

	// Logger is the operational logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Trace captures protocol events. Defaults to no capture.
	Trace log.Logger
}

// Node is a Proper node endpoint. All exported methods are safe for
// concurrent use, though a typical node runs a single Run loop.
type Node struct {
	mu sync.Mutex

	cfg   Config
	codec wire.Codec

	id    wire.NodeID
	state State

	sharedKey  []byte
	sessionKey []byte // non-empty once approved

	nextMID       uint64
	lastServerMID uint64

	// pendingAcks are server message ids not yet acknowledged. They ride
	// along on the next outgoing frame.
	pendingAcks []uint64

	// serverPending mirrors the last pending flag answered by the server.
	serverPending bool

	channel transport.Channel
	store   *persistence.NodeStateStore
	backoff *Backoff

	logger *slog.Logger
	trace  log.Logger

	closed bool
}

// New creates a node. The master secret is validated before anything else:
// a node must never send a frame with undefined key material.
func New(cfg Config) (*Node, error) {
	sharedKey, err := keys.Derive(cfg.Master, keys.PurposeEncryptionKey)
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		return nil, errors.New("config: dialer is required")
	}
	if cfg.Identity.Serial == "" {
		return nil, errors.New("config: identity serial is required")
	}

	if cfg.Codec == nil {
		cfg.Codec = wire.Msgpack
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trace := cfg.Trace
	if trace == nil {
		trace = log.NoopLogger{}
	}

	n := &Node{
		cfg:       cfg,
		codec:     cfg.Codec,
		state:     StateUnregistered,
		sharedKey: sharedKey,
		backoff:   NewBackoffWithConfig(cfg.Backoff),
		logger:    logger,
		trace:     trace,
	}

	if cfg.StatePath != "" {
		n.store = persistence.NewNodeStateStore(cfg.StatePath)
		if err := n.restore(); err != nil {
			return nil, err
		}
	}
	if n.id == (wire.NodeID{}) || n.id.IsServer() {
		n.id = wire.NewNodeID()
	}

	return n, nil
}

// restore loads persisted state. A rotated master secret clears the file,
// so the node falls back to a fresh registration.
func (n *Node) restore() error {
	state, err := n.store.LoadFor(n.cfg.Master.Fingerprint())
	if err != nil {
		return fmt.Errorf("failed to load node state: %w", err)
	}
	if state == nil {
		return nil
	}

	id, err := wire.ParseNodeID(state.NodeID)
	if err != nil {
		return fmt.Errorf("corrupt node state: %w", err)
	}
	n.id = id
	n.nextMID = state.LastSentMID
	n.lastServerMID = state.LastServerMID
	if state.Approved && len(state.SessionKey) > 0 {
		n.sessionKey = state.SessionKey
		n.state = StateOperating
	}
	return nil
}

// persist saves the node's durable state, if persistence is configured.
func (n *Node) persistLocked() {
	if n.store == nil {
		return
	}
	state := &persistence.NodeState{
		NodeID:            n.id.String(),
		MasterFingerprint: n.cfg.Master.Fingerprint(),
		Approved:          len(n.sessionKey) > 0,
		SessionKey:        n.sessionKey,
		LastSentMID:       n.nextMID,
		LastServerMID:     n.lastServerMID,
	}
	if err := n.store.Save(state); err != nil {
		n.logger.Warn("failed to persist node state", "error", err)
	}
}

// ID returns the node's stable identity.
func (n *Node) ID() wire.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// State returns the node's lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Epoch returns the node's current key epoch.
func (n *Node) Epoch() security.Epoch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epochLocked()
}

func (n *Node) epochLocked() security.Epoch {
	if len(n.sessionKey) > 0 {
		return security.EpochApproved
	}
	return security.EpochPreApproval
}

func (n *Node) currentKeyLocked() []byte {
	if len(n.sessionKey) > 0 {
		return n.sessionKey
	}
	return n.sharedKey
}

// Connect dials a secured channel with the node's current key material.
// An existing channel is closed first.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connectLocked(ctx)
}

func (n *Node) connectLocked(ctx context.Context) error {
	if n.closed {
		return ErrClosed
	}
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}

	ch, err := n.cfg.Dialer.Dial(ctx, n.id.String(), n.currentKeyLocked())
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}
	n.channel = ch
	n.traceStateLocked(log.StateEntityChannel, "", "CONNECTED", "")
	return nil
}

// Close closes the node's channel. The node can be connected again.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.channel == nil {
		return nil
	}
	err := n.channel.Close()
	n.channel = nil
	return err
}

// allocMIDLocked returns the next message id. Ids are monotonic for the
// node's lifetime, surviving restarts through the state file.
func (n *Node) allocMIDLocked() uint64 {
	n.nextMID++
	return n.nextMID
}

// takeAcksLocked drains the pending ack list for attachment to a frame.
func (n *Node) takeAcksLocked() []uint64 {
	acks := n.pendingAcks
	n.pendingAcks = nil
	return acks
}

// deferAckLocked queues a server message id for acknowledgement on the
// next outgoing frame. Queueing an already pending id is a no-op.
func (n *Node) deferAckLocked(mid uint64) {
	if mid > n.lastServerMID {
		n.lastServerMID = mid
	}
	for _, pending := range n.pendingAcks {
		if pending == mid {
			return
		}
	}
	n.pendingAcks = append(n.pendingAcks, mid)
}

// exchange sends a frame and waits for the server's answer, retransmitting
// with the SAME message id on timeout so the server can detect redelivery.
// The caller holds n.mu.
func (n *Node) exchangeLocked(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	if n.channel == nil {
		return nil, ErrNotConnected
	}

	data, err := n.codec.Encode(frame)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < n.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			n.logger.Debug("retransmitting frame",
				"mid", frame.MID, "kind", frame.Msg.Kind(), "attempt", attempt)
		}

		if err := n.channel.Send(data); err != nil {
			return nil, fmt.Errorf("failed to send frame: %w", err)
		}
		n.traceMessageLocked(log.DirectionOut, frame)

		recvCtx, cancel := context.WithTimeout(ctx, n.cfg.ExchangeTimeout)
		raw, err := n.channel.Receive(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("failed to receive frame: %w", err)
		}

		resp, err := n.codec.Decode(raw)
		if err != nil {
			// Garbage on a secured channel. Wait for a well-formed
			// answer instead of aborting the exchange.
			n.logger.Warn("discarding undecodable frame", "error", err)
			lastErr = err
			continue
		}
		if !resp.Src.IsServer() || resp.Dst != n.id {
			n.logger.Warn("discarding misaddressed frame",
				"src", resp.Src, "dst", resp.Dst)
			lastErr = fmt.Errorf("misaddressed frame")
			continue
		}
		// A retransmission race can leave a duplicate answer in the channel
		// buffer. A status answers this exchange only when it references
		// this frame's id; a delivery already handled is acknowledged again
		// and skipped.
		if ack, ok := resp.Msg.(*wire.AckStatus); ok {
			if ack.RMID != frame.MID {
				n.logger.Warn("discarding stale status answer",
					"rmid", ack.RMID, "mid", frame.MID)
				lastErr = fmt.Errorf("stale status answer for message %d", ack.RMID)
				continue
			}
		} else if resp.MID <= n.lastServerMID {
			n.logger.Warn("discarding duplicate delivery", "mid", resp.MID)
			n.deferAckLocked(resp.MID)
			lastErr = fmt.Errorf("duplicate delivery %d", resp.MID)
			continue
		}

		n.traceMessageLocked(log.DirectionIn, resp)
		return resp, nil
	}
	return nil, fmt.Errorf("exchange gave up after %d attempts: %w", n.cfg.MaxRetries, lastErr)
}

// frameLocked builds an outgoing frame carrying the pending acks.
func (n *Node) frameLocked(msg wire.Message) *wire.Frame {
	return &wire.Frame{
		Src: n.id,
		Dst: wire.ServerID,
		Ver: version.Current,
		MID: n.allocMIDLocked(),
		Ack: n.takeAcksLocked(),
		Msg: msg,
	}
}

// Register announces the node to the server and moves it to
// AwaitingApproval. Registering while already registered is harmless; the
// server treats a matching identity as idempotent.
func (n *Node) Register(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.state
	n.state = StateRegistering
	n.traceStateLocked(log.StateEntitySession, old.String(), n.state.String(), "register")

	frame := n.frameLocked(&wire.Register{
		NodeID:   n.id,
		Category: n.cfg.Identity.Category,
		Name:     n.cfg.Identity.Name,
		Model:    n.cfg.Identity.Model,
		Serial:   n.cfg.Identity.Serial,
		Vendor:   n.cfg.Identity.Vendor,
	})

	resp, err := n.exchangeLocked(ctx, frame)
	if err != nil {
		n.state = old
		return err
	}

	ack, ok := resp.Msg.(*wire.AckStatus)
	if !ok {
		n.state = old
		return fmt.Errorf("unexpected answer to register: %s", resp.Msg.Kind())
	}
	if !ack.Code.IsGood() {
		n.state = StateUnregistered
		return fmt.Errorf("%w: %s", ErrRegisterFailed, ack.Code)
	}

	n.state = StateAwaitingApproval
	n.persistLocked()
	n.traceStateLocked(log.StateEntitySession, StateRegistering.String(), n.state.String(), "register acknowledged")
	n.logger.Info("registered, awaiting approval", "node_id", n.id)
	return nil
}

// Poll asks the server for the first pending outbox message and handles
// whatever arrives. It returns the delivered message (nil when the outbox
// was empty) and whether the server reports more pending messages.
func (n *Node) Poll(ctx context.Context) (wire.Message, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp, err := n.exchangeLocked(ctx, n.frameLocked(&wire.Poll{}))
	if err != nil {
		return nil, false, err
	}

	switch msg := resp.Msg.(type) {
	case *wire.AckStatus:
		if err := n.checkStatusLocked(msg); err != nil {
			return nil, false, err
		}
		return nil, resp.Pending, nil
	case *wire.RegisterAllowed:
		if err := n.handleAllowedLocked(ctx, resp.MID, msg); err != nil {
			return nil, false, err
		}
		return msg, resp.Pending, nil
	case *wire.RegisterDenied:
		n.handleDeniedLocked(ctx, resp.MID)
		return msg, false, ErrDenied
	case *wire.RequestDetails:
		if err := n.handleRequestDetailsLocked(ctx, resp.MID); err != nil {
			return nil, false, err
		}
		return msg, resp.Pending, nil
	default:
		return nil, false, fmt.Errorf("unexpected answer to poll: %s", resp.Msg.Kind())
	}
}

// checkStatusLocked reacts to status codes that change the node's state.
// A server that lost its sessions answers BadNotRegistered; the node then
// re-registers from scratch under the shared key.
func (n *Node) checkStatusLocked(ack *wire.AckStatus) error {
	if ack.Code != wire.StatusBadNotRegistered {
		return nil
	}
	old := n.state
	n.state = StateUnregistered
	n.sessionKey = nil
	n.pendingAcks = nil
	n.persistLocked()
	n.traceStateLocked(log.StateEntitySession, old.String(), n.state.String(), "server lost session")
	n.logger.Warn("server does not know this node, re-registration required", "node_id", n.id)
	return fmt.Errorf("%w: server answered %s", ErrNotOperating, ack.Code)
}

// handleAllowedLocked completes the approval: acknowledge on the old
// channel, store the session key, flip the epoch and reconnect so the new
// channel is keyed with the session key.
func (n *Node) handleAllowedLocked(ctx context.Context, mid uint64, msg *wire.RegisterAllowed) error {
	if len(msg.SessionKey) == 0 {
		return fmt.Errorf("register allowed without session key")
	}

	prevServerMID := n.lastServerMID
	n.deferAckLocked(mid)
	// The ack must travel under the old key; the server flips the node's
	// epoch when it processes it. The ack can arrive while its answer is
	// lost, so a failed exchange does not abort the transition: the key is
	// kept and the reconnect below settles which epoch holds.
	if _, err := n.exchangeLocked(ctx, n.frameLocked(&wire.Ack{})); err != nil {
		n.logger.Warn("approval ack unconfirmed", "node_id", n.id, "error", err)
	}

	old := n.state
	n.sessionKey = msg.SessionKey
	n.state = StateOperating
	n.persistLocked()
	n.traceStateLocked(log.StateEntitySession, old.String(), n.state.String(), "register allowed")
	n.traceStateLocked(log.StateEntityEpoch,
		security.EpochPreApproval.String(), security.EpochApproved.String(), "")

	if err := n.connectLocked(ctx); err != nil {
		// Refused under the session key: the server never processed the
		// ack and will redeliver the approval. Drop back to the shared key
		// and accept the redelivery with its original message id.
		n.sessionKey = nil
		n.state = old
		n.lastServerMID = prevServerMID
		n.persistLocked()
		n.traceStateLocked(log.StateEntitySession, StateOperating.String(), n.state.String(), "session key rejected")
		n.traceStateLocked(log.StateEntityEpoch,
			security.EpochApproved.String(), security.EpochPreApproval.String(), "")
		return fmt.Errorf("failed to reconnect under session key: %w", err)
	}
	n.logger.Info("approved and operating", "node_id", n.id)
	return nil
}

// handleDeniedLocked acknowledges the denial and resets the node to its
// factory state. Only a fresh registration (a new decision by the user)
// can follow.
func (n *Node) handleDeniedLocked(ctx context.Context, mid uint64) {
	n.deferAckLocked(mid)
	if _, err := n.exchangeLocked(ctx, n.frameLocked(&wire.Ack{})); err != nil {
		n.logger.Warn("failed to acknowledge denial", "error", err)
	}

	old := n.state
	n.state = StateUnregistered
	n.sessionKey = nil
	n.pendingAcks = nil
	if n.store != nil {
		if err := n.store.Clear(); err != nil {
			n.logger.Warn("failed to clear node state", "error", err)
		}
	}
	if n.channel != nil {
		n.channel.Close()
		n.channel = nil
	}
	n.traceStateLocked(log.StateEntitySession, old.String(), n.state.String(), "register denied")
	n.logger.Warn("registration denied", "node_id", n.id)
}

// handleRequestDetailsLocked answers a details request, acknowledging the
// request on the same frame.
func (n *Node) handleRequestDetailsLocked(ctx context.Context, mid uint64) error {
	n.deferAckLocked(mid)

	resp, err := n.exchangeLocked(ctx, n.frameLocked(n.detailsLocked()))
	if err != nil {
		return err
	}
	if ack, ok := resp.Msg.(*wire.AckStatus); ok && !ack.Code.IsGood() {
		return fmt.Errorf("details rejected: %s", ack.Code)
	}
	return nil
}

// detailsLocked builds the Details answer from the configured template and
// the node's identity.
func (n *Node) detailsLocked() *wire.Details {
	d := &wire.Details{}
	if n.cfg.Details != nil {
		*d = *n.cfg.Details
	}
	d.NodeID = n.id
	d.Category = n.cfg.Identity.Category
	if d.Name == "" {
		d.Name = n.cfg.Identity.Name
	}
	d.Model = n.cfg.Identity.Model
	d.Serial = n.cfg.Identity.Serial
	d.Vendor = n.cfg.Identity.Vendor
	return d
}

// Push sends measured signal values. The node must be operating; before
// approval the server would not store them anyway.
func (n *Node) Push(ctx context.Context, values []wire.SignalValue) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateOperating {
		return fmt.Errorf("%w: %s", ErrNotOperating, n.state)
	}

	resp, err := n.exchangeLocked(ctx, n.frameLocked(&wire.Push{Values: values}))
	if err != nil {
		return err
	}
	ack, ok := resp.Msg.(*wire.AckStatus)
	if !ok {
		return fmt.Errorf("unexpected answer to push: %s", resp.Msg.Kind())
	}
	if err := n.checkStatusLocked(ack); err != nil {
		return err
	}
	if !ack.Code.IsGood() {
		return fmt.Errorf("push rejected: %s", ack.Code)
	}
	return nil
}

// Run drives the node's whole lifecycle: connect, register when needed,
// then poll until the context is cancelled. Transport failures reconnect
// with backoff. Run returns ErrDenied when the user rejects the node.
func (n *Node) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := n.step(ctx); err != nil {
			switch {
			case errors.Is(err, ErrDenied), errors.Is(err, ErrClosed):
				return err
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			n.logger.Warn("node step failed, backing off", "error", err)
			if !sleep(ctx, n.backoff.Next()) {
				return ctx.Err()
			}
			continue
		}

		// Drain the outbox promptly while the server reports pending
		// messages; otherwise idle at the backoff cadence.
		if n.pending() {
			n.backoff.Reset()
			continue
		}
		if !sleep(ctx, n.backoff.Next()) {
			return ctx.Err()
		}
	}
}

// step advances the state machine by one exchange.
func (n *Node) step(ctx context.Context) error {
	n.mu.Lock()
	connected := n.channel != nil
	state := n.state
	n.mu.Unlock()

	if !connected {
		if err := n.Connect(ctx); err != nil {
			return err
		}
		n.backoff.Reset()
	}

	switch state {
	case StateUnregistered, StateRegistering:
		if err := n.Register(ctx); err != nil {
			return err
		}
		n.backoff.Reset()
		return nil
	default:
		_, pend, err := n.Poll(ctx)
		if err != nil {
			return err
		}
		n.setPending(pend)
		return nil
	}
}

// pendingFlag mirrors the last seen server pending flag for the Run loop.
func (n *Node) pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serverPending
}

func (n *Node) setPending(p bool) {
	n.mu.Lock()
	n.serverPending = p
	n.mu.Unlock()
}

// sleep waits for d or until the context is done. Returns false when the
// context won.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (n *Node) traceMessageLocked(dir log.Direction, frame *wire.Frame) {
	event := log.Event{
		Timestamp: time.Now(),
		Direction: dir,
		Role:      log.RoleNode,
		NodeID:    n.id.String(),
		Epoch:     uint8(n.epochLocked()),
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
	n.trace.Log(event)
}

func (n *Node) traceStateLocked(entity log.StateEntity, oldState, newState, reason string) {
	n.trace.Log(log.Event{
		Timestamp: time.Now(),
		Role:      log.RoleNode,
		NodeID:    n.id.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

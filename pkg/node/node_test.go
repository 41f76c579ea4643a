package node_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/node"
	"github.com/proper-automation/proper-go/pkg/persistence"
	"github.com/proper-automation/proper-go/pkg/security"
	"github.com/proper-automation/proper-go/pkg/server"
	"github.com/proper-automation/proper-go/pkg/transport"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

func testMaster() keys.MasterSecret {
	return keys.MasterSecret(bytes.Repeat([]byte{0x42}, 32))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu      sync.Mutex
	applied [][]wire.SignalValue
}

func (s *recordingSink) Apply(id wire.NodeID, values []wire.SignalValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, values)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// startServer runs a manager over an in-process pipe network for the
// lifetime of the test.
func startServer(t *testing.T, cfg server.Config) (*server.Manager, *transport.PipeNetwork) {
	t.Helper()
	if cfg.Master == nil {
		cfg.Master = testMaster()
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}

	mgr, err := server.NewManager(cfg)
	require.NoError(t, err)

	net := transport.NewPipeNetwork(mgr.KeyFor)
	srv := server.NewServer(mgr, wire.Msgpack)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, net)
	t.Cleanup(func() {
		cancel()
		net.Close()
	})
	return mgr, net
}

func testIdentity() node.Identity {
	return node.Identity{
		Category: wire.DeviceSensorTemperature,
		Name:     "Hallway Sensor",
		Model:    "T-100",
		Serial:   "SER-0001",
		Vendor:   "Acme",
	}
}

func newTestNode(t *testing.T, dialer transport.Dialer, statePath string) *node.Node {
	t.Helper()
	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          dialer,
		StatePath:       statePath,
		ExchangeTimeout: 2 * time.Second,
		MaxRetries:      2,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// registerAndApprove drives a node through the full approval handshake.
func registerAndApprove(t *testing.T, ctx context.Context, mgr *server.Manager, n *node.Node) {
	t.Helper()
	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))
	require.NoError(t, mgr.Approve(n.ID()))

	msg, _, err := n.Poll(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.RegisterAllowed{}, msg)
}

func TestRegisterAndApprove(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	mgr, net := startServer(t, server.Config{Sink: sink})
	n := newTestNode(t, net, "")

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))
	require.Equal(t, node.StateAwaitingApproval, n.State())
	require.Equal(t, server.StateAwaitingApproval, mgr.State(n.ID()))
	require.Equal(t, security.EpochPreApproval, n.Epoch())

	require.NoError(t, mgr.Approve(n.ID()))

	msg, pending, err := n.Poll(ctx)
	require.NoError(t, err)
	require.False(t, pending)
	allowed, ok := msg.(*wire.RegisterAllowed)
	require.True(t, ok, "poll answer = %T", msg)
	require.Len(t, allowed.SessionKey, server.SessionKeySize)

	// The node acknowledged the approval and reconnected under the
	// session key.
	require.Equal(t, node.StateOperating, n.State())
	require.Equal(t, security.EpochApproved, n.Epoch())
	require.Equal(t, server.StateOperating, mgr.State(n.ID()))

	err = n.Push(ctx, []wire.SignalValue{{
		ID:        wire.NamedSignal("temperature"),
		Timestamp: wire.NowTimestamp(),
		Status:    wire.StatusGood,
		Signal:    wire.Temperature(21.5),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())

	// Nothing queued; an empty poll answers with a bare status.
	msg, pending, err = n.Poll(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
	require.False(t, pending)
}

func TestDenial(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mgr, net := startServer(t, server.Config{})
	n := newTestNode(t, net, filepath.Join(dir, "node.json"))

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))
	require.NoError(t, mgr.Deny(n.ID()))

	msg, _, err := n.Poll(ctx)
	require.ErrorIs(t, err, node.ErrDenied)
	require.IsType(t, &wire.RegisterDenied{}, msg)
	require.Equal(t, node.StateUnregistered, n.State())

	// The denial acknowledgement removed the session on the server.
	require.Empty(t, mgr.Sessions())

	// The persisted state was wiped; a restart begins from scratch.
	store := persistence.NewNodeStateStore(filepath.Join(dir, "node.json"))
	state, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestPushBeforeApproval(t *testing.T) {
	ctx := context.Background()
	_, net := startServer(t, server.Config{})
	n := newTestNode(t, net, "")

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	err := n.Push(ctx, []wire.SignalValue{{
		ID:     wire.NamedSignal("temperature"),
		Signal: wire.Temperature(20),
	}})
	require.ErrorIs(t, err, node.ErrNotOperating)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "node.json")
	sink := &recordingSink{}
	mgr, net := startServer(t, server.Config{Sink: sink})

	n := newTestNode(t, net, statePath)
	registerAndApprove(t, ctx, mgr, n)
	id := n.ID()
	require.NoError(t, n.Close())

	// A restarted node restores its identity and session key and resumes
	// operating without a new registration.
	n2 := newTestNode(t, net, statePath)
	require.Equal(t, id, n2.ID())
	require.Equal(t, node.StateOperating, n2.State())
	require.Equal(t, security.EpochApproved, n2.Epoch())

	require.NoError(t, n2.Connect(ctx))
	err := n2.Push(ctx, []wire.SignalValue{{
		ID:        wire.NamedSignal("temperature"),
		Timestamp: wire.NowTimestamp(),
		Status:    wire.StatusGood,
		Signal:    wire.Temperature(19.0),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
}

func TestMasterRotationForcesReRegister(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "node.json")
	mgr, net := startServer(t, server.Config{})

	n := newTestNode(t, net, statePath)
	registerAndApprove(t, ctx, mgr, n)
	oldID := n.ID()
	require.NoError(t, n.Close())

	rotated := keys.MasterSecret(bytes.Repeat([]byte{0x99}, 32))
	n2, err := node.New(node.Config{
		Master:    rotated,
		Identity:  testIdentity(),
		Dialer:    net,
		StatePath: statePath,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	defer n2.Close()

	require.Equal(t, node.StateUnregistered, n2.State())
	require.NotEqual(t, oldID, n2.ID())
}

func TestRequestDetails(t *testing.T) {
	ctx := context.Background()
	mgr, net := startServer(t, server.Config{})

	n, err := node.New(node.Config{
		Master:   testMaster(),
		Identity: testIdentity(),
		Details: &wire.Details{
			DeviceURL: "https://acme.example/t-100",
			Signals: []wire.SignalConfig{{
				ID:   wire.NamedSignal("temperature"),
				Name: "Temperature",
				Type: wire.SignalTemperature,
			}},
		},
		Dialer: net,
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()

	registerAndApprove(t, ctx, mgr, n)

	_, err = mgr.RequestDetails(n.ID())
	require.NoError(t, err)

	msg, _, err := n.Poll(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.RequestDetails{}, msg)

	details := mgr.Details(n.ID())
	require.NotNil(t, details)
	require.Equal(t, n.ID(), details.NodeID)
	require.Equal(t, "SER-0001", details.Serial)
	require.Equal(t, "https://acme.example/t-100", details.DeviceURL)
	require.Len(t, details.Signals, 1)
}

func TestRunAutoApprove(t *testing.T) {
	sink := &recordingSink{}

	// The notifier fires after NewManager returns, so the late binding is
	// safe.
	var mgr *server.Manager
	notifier := server.ApprovalNotifierFunc(func(id wire.NodeID, reg *wire.Register) {
		mgr.Approve(id)
	})

	var net *transport.PipeNetwork
	mgr, net = startServer(t, server.Config{Sink: sink, Notifier: notifier})

	n, err := node.New(node.Config{
		Master:   testMaster(),
		Identity: testIdentity(),
		Dialer:   net,
		Backoff:  node.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for n.State() != node.StateOperating {
		select {
		case <-deadline:
			t.Fatalf("node never reached operating, state = %s", n.State())
		case err := <-done:
			t.Fatalf("run returned early: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

// scriptedChannel plays a fixed server: every received frame is answered
// by respond. An empty answer leaves the node waiting until its exchange
// deadline, simulating a lost frame; multiple answers simulate the
// duplicates a retransmission race leaves in the channel buffer.
type scriptedChannel struct {
	mu      sync.Mutex
	respond func(*wire.Frame) []*wire.Frame
	mids    []uint64
	queued  [][]byte
	closed  bool
}

func (c *scriptedChannel) Send(data []byte) error {
	frame, err := wire.Msgpack.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mids = append(c.mids, frame.MID)
	for _, answer := range c.respond(frame) {
		raw, err := wire.Msgpack.Encode(answer)
		if err != nil {
			return err
		}
		c.queued = append(c.queued, raw)
	}
	return nil
}

func (c *scriptedChannel) Receive(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.queued) > 0 {
			data := c.queued[0]
			c.queued = c.queued[1:]
			c.mu.Unlock()
			return data, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, errors.New("channel closed")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *scriptedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// scriptedDialer hands out scripted channels and records the key material
// of every dial. A fixed channel is reused when set; otherwise each dial
// mints a fresh channel playing respond. refuse rejects selected dials,
// counted from 1.
type scriptedDialer struct {
	mu      sync.Mutex
	ch      *scriptedChannel
	respond func(*wire.Frame) []*wire.Frame
	refuse  func(call int) bool
	psks    [][]byte
}

func (d *scriptedDialer) Dial(ctx context.Context, identity string, psk []byte) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.psks = append(d.psks, append([]byte(nil), psk...))
	if d.refuse != nil && d.refuse(len(d.psks)) {
		return nil, errors.New("key mismatch")
	}
	if d.ch != nil {
		return d.ch, nil
	}
	return &scriptedChannel{respond: d.respond}, nil
}

func (d *scriptedDialer) keys() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.psks...)
}

func answerStatus(frame *wire.Frame, code wire.StatusCode) *wire.Frame {
	return &wire.Frame{
		Src: wire.ServerID,
		Dst: frame.Src,
		Ver: version.Current,
		MID: 1,
		Msg: &wire.AckStatus{RMID: frame.MID, Code: code},
	}
}

func serverFrame(dst wire.NodeID, mid uint64, msg wire.Message) *wire.Frame {
	return &wire.Frame{
		Src: wire.ServerID,
		Dst: dst,
		Ver: version.Current,
		MID: mid,
		Msg: msg,
	}
}

func TestStaleStatusNotTakenAsAnswer(t *testing.T) {
	ctx := context.Background()

	// A retransmission race leaves a duplicate register answer in the
	// channel buffer. The following poll is never answered and must fail
	// instead of consuming the leftover status.
	d := &scriptedDialer{}
	d.respond = func(frame *wire.Frame) []*wire.Frame {
		switch frame.Msg.(type) {
		case *wire.Register:
			return []*wire.Frame{
				answerStatus(frame, wire.StatusGood),
				answerStatus(frame, wire.StatusGood),
			}
		default:
			return nil
		}
	}

	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          d,
		ExchangeTimeout: 30 * time.Millisecond,
		MaxRetries:      2,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	msg, pending, err := n.Poll(ctx)
	require.Error(t, err)
	require.Nil(t, msg)
	require.False(t, pending)
	require.Equal(t, node.StateAwaitingApproval, n.State())
}

func TestDuplicateDeliveryNotTakenAsAnswer(t *testing.T) {
	ctx := context.Background()

	d := &scriptedDialer{}
	n := newTestNode(t, d, "")
	id := n.ID()

	// The first poll is answered with a details request twice over, as if
	// a poll retransmission had crossed its answer.
	polls := 0
	d.respond = func(frame *wire.Frame) []*wire.Frame {
		switch frame.Msg.(type) {
		case *wire.Register:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		case *wire.Poll:
			polls++
			if polls == 1 {
				req := serverFrame(id, 1, &wire.RequestDetails{})
				return []*wire.Frame{req, req}
			}
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		default:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		}
	}

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	msg, _, err := n.Poll(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.RequestDetails{}, msg)

	// The duplicate request and the leftover details status are both
	// skipped; the second poll is retransmitted once and answered cleanly.
	msg, pending, err := n.Poll(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
	require.False(t, pending)
	require.Equal(t, 3, polls)
}

func TestApprovalAckAnswerLost(t *testing.T) {
	ctx := context.Background()
	sessionKey := bytes.Repeat([]byte{0xAB}, 32)

	d := &scriptedDialer{}
	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          d,
		ExchangeTimeout: 30 * time.Millisecond,
		MaxRetries:      2,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()
	id := n.ID()

	// The approval ack reaches the server, whose answer is then lost. The
	// server has already flipped the epoch, so the node must keep the
	// session key and operate rather than wait for a redelivery that will
	// never come.
	delivered := false
	d.respond = func(frame *wire.Frame) []*wire.Frame {
		switch frame.Msg.(type) {
		case *wire.Register:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		case *wire.Poll:
			if !delivered {
				delivered = true
				return []*wire.Frame{serverFrame(id, 1, &wire.RegisterAllowed{
					NodeID:     id,
					SessionKey: sessionKey,
				})}
			}
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		case *wire.Ack:
			return nil
		default:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		}
	}

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	msg, _, err := n.Poll(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.RegisterAllowed{}, msg)
	require.Equal(t, node.StateOperating, n.State())
	require.Equal(t, security.EpochApproved, n.Epoch())

	// The reconnect was keyed with the granted session key.
	psks := d.keys()
	require.Len(t, psks, 2)
	require.Equal(t, sessionKey, psks[1])

	err = n.Push(ctx, []wire.SignalValue{{
		ID:        wire.NamedSignal("temperature"),
		Timestamp: wire.NowTimestamp(),
		Status:    wire.StatusGood,
		Signal:    wire.Temperature(22.0),
	}})
	require.NoError(t, err)
}

func TestApprovalReconnectRefusedFallsBack(t *testing.T) {
	ctx := context.Background()
	sessionKey := bytes.Repeat([]byte{0xCD}, 32)

	// The approval ack never reaches the server, so the reconnect under
	// the session key is refused. The node falls back to the shared key
	// and accepts the redelivered approval.
	d := &scriptedDialer{refuse: func(call int) bool { return call == 2 }}
	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          d,
		ExchangeTimeout: 30 * time.Millisecond,
		MaxRetries:      2,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()
	id := n.ID()

	ackSends := 0
	d.respond = func(frame *wire.Frame) []*wire.Frame {
		switch frame.Msg.(type) {
		case *wire.Register:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		case *wire.Poll:
			return []*wire.Frame{serverFrame(id, 1, &wire.RegisterAllowed{
				NodeID:     id,
				SessionKey: sessionKey,
			})}
		case *wire.Ack:
			ackSends++
			if ackSends <= 2 {
				return nil
			}
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		default:
			return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
		}
	}

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	_, _, err = n.Poll(ctx)
	require.Error(t, err)
	require.Equal(t, node.StateAwaitingApproval, n.State())
	require.Equal(t, security.EpochPreApproval, n.Epoch())

	require.NoError(t, n.Connect(ctx))
	msg, _, err := n.Poll(ctx)
	require.NoError(t, err)
	require.IsType(t, &wire.RegisterAllowed{}, msg)
	require.Equal(t, node.StateOperating, n.State())
	require.Equal(t, security.EpochApproved, n.Epoch())

	psks := d.keys()
	require.Equal(t, sessionKey, psks[len(psks)-1])
}

func TestServerLostSessionResetsNode(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "node.json")

	// Persist an approved node, then talk to a server that lost every
	// session.
	store := persistence.NewNodeStateStore(statePath)
	require.NoError(t, store.Save(&persistence.NodeState{
		NodeID:            wire.NewNodeID().String(),
		MasterFingerprint: testMaster().Fingerprint(),
		Approved:          true,
		SessionKey:        bytes.Repeat([]byte{0x01}, 32),
		LastSentMID:       7,
	}))

	ch := &scriptedChannel{respond: func(frame *wire.Frame) []*wire.Frame {
		return []*wire.Frame{answerStatus(frame, wire.StatusBadNotRegistered)}
	}}
	n := newTestNode(t, &scriptedDialer{ch: ch}, statePath)
	require.Equal(t, node.StateOperating, n.State())

	require.NoError(t, n.Connect(ctx))
	_, _, err := n.Poll(ctx)
	require.ErrorIs(t, err, node.ErrNotOperating)
	require.Equal(t, node.StateUnregistered, n.State())
	require.Equal(t, security.EpochPreApproval, n.Epoch())
}

func TestExchangeRetransmitsWithSameMID(t *testing.T) {
	ctx := context.Background()

	// Swallow the first transmission; answer its retry.
	ch := &scriptedChannel{}
	ch.respond = func(frame *wire.Frame) []*wire.Frame {
		if len(ch.mids) == 1 {
			return nil
		}
		return []*wire.Frame{answerStatus(frame, wire.StatusGood)}
	}

	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          &scriptedDialer{ch: ch},
		ExchangeTimeout: 50 * time.Millisecond,
		MaxRetries:      3,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Connect(ctx))
	require.NoError(t, n.Register(ctx))

	ch.mu.Lock()
	mids := append([]uint64(nil), ch.mids...)
	ch.mu.Unlock()
	require.Len(t, mids, 2)
	require.Equal(t, mids[0], mids[1], "retransmission must reuse the message id")
}

func TestExchangeGivesUp(t *testing.T) {
	ctx := context.Background()

	ch := &scriptedChannel{respond: func(*wire.Frame) []*wire.Frame { return nil }}
	n, err := node.New(node.Config{
		Master:          testMaster(),
		Identity:        testIdentity(),
		Dialer:          &scriptedDialer{ch: ch},
		ExchangeTimeout: 20 * time.Millisecond,
		MaxRetries:      2,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Connect(ctx))
	err = n.Register(ctx)
	require.Error(t, err)
	require.NotEqual(t, node.StateAwaitingApproval, n.State())

	ch.mu.Lock()
	attempts := len(ch.mids)
	ch.mu.Unlock()
	require.Equal(t, 2, attempts)
}

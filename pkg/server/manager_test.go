package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/security"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

func testMaster() keys.MasterSecret {
	return keys.MasterSecret(bytes.Repeat([]byte{0x42}, 32))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink remembers applied pushes so tests can verify replay
// protection.
type recordingSink struct {
	applied int
	fail    bool
}

func (s *recordingSink) Apply(id wire.NodeID, values []wire.SignalValue) error {
	if s.fail {
		return errors.New("sink rejected")
	}
	s.applied++
	return nil
}

func newTestManager(t *testing.T, sink TelemetrySink) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		Master: testMaster(),
		Sink:   sink,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

// nodeMIDs allocates monotonic message ids for a test node.
type nodeMIDs struct {
	next uint64
}

func (m *nodeMIDs) alloc() uint64 {
	m.next++
	return m.next
}

func nodeFrame(id wire.NodeID, mid uint64, msg wire.Message, acks ...uint64) *wire.Frame {
	return &wire.Frame{
		Src: id,
		Dst: wire.ServerID,
		Ver: version.Current,
		MID: mid,
		Ack: acks,
		Msg: msg,
	}
}

func testRegister(id wire.NodeID) *wire.Register {
	return &wire.Register{
		NodeID:   id,
		Category: wire.DeviceSensorTemperature,
		Name:     "Test Sensor",
		Model:    "T-1",
		Serial:   "T1-0001",
		Vendor:   "Acme",
	}
}

// register walks a fresh node through Register and asserts the Good answer.
func register(t *testing.T, mgr *Manager, id wire.NodeID, mids *nodeMIDs) {
	t.Helper()
	resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), testRegister(id)))
	if err != nil {
		t.Fatalf("Receive(Register): %v", err)
	}
	ack, ok := resp.Msg.(*wire.AckStatus)
	if !ok {
		t.Fatalf("answer to Register is %T", resp.Msg)
	}
	if !ack.Code.IsGood() {
		t.Fatalf("Register answered %s", ack.Code)
	}
}

func TestRegister(t *testing.T) {
	t.Run("NewNodeAwaitsApproval", func(t *testing.T) {
		mgr := newTestManager(t, nil)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}

		register(t, mgr, id, mids)

		if got := mgr.State(id); got != StateAwaitingApproval {
			t.Errorf("State = %s, want AWAITING_APPROVAL", got)
		}
	})

	t.Run("NotifierFires", func(t *testing.T) {
		var notified []wire.NodeID
		mgr, err := NewManager(Config{
			Master: testMaster(),
			Logger: quietLogger(),
			Notifier: ApprovalNotifierFunc(func(id wire.NodeID, reg *wire.Register) {
				notified = append(notified, id)
			}),
		})
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}

		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		if len(notified) != 1 || notified[0] != id {
			t.Errorf("notified = %v", notified)
		}

		// A redelivered Register must not notify again.
		if _, err := mgr.Receive(nodeFrame(id, 1, testRegister(id))); err != nil {
			t.Fatalf("Receive(redelivered Register): %v", err)
		}
		if len(notified) != 1 {
			t.Errorf("redelivery notified again: %v", notified)
		}
	})

	t.Run("RedeliveryReplaysAnswer", func(t *testing.T) {
		mgr := newTestManager(t, nil)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		// Same mid again, as after a lost answer.
		resp, err := mgr.Receive(nodeFrame(id, 1, testRegister(id)))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		ack := resp.Msg.(*wire.AckStatus)
		if !ack.Code.IsGood() || ack.RMID != 1 {
			t.Errorf("replayed answer = %s rmid=%d", ack.Code, ack.RMID)
		}
	})

	t.Run("IdentityConflict", func(t *testing.T) {
		mgr := newTestManager(t, nil)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		imposter := testRegister(id)
		imposter.Serial = "T1-9999"
		resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), imposter))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		ack := resp.Msg.(*wire.AckStatus)
		if ack.Code != wire.StatusBadIdentityConflict {
			t.Errorf("answer = %s, want BAD_IDENTITY_CONFLICT", ack.Code)
		}

		// The original claim stays bound.
		if got := mgr.State(id); got != StateAwaitingApproval {
			t.Errorf("State = %s", got)
		}
	})

	t.Run("UnknownNodeNonRegisterAnswered", func(t *testing.T) {
		mgr := newTestManager(t, nil)
		resp, err := mgr.Receive(nodeFrame(wire.NewNodeID(), 1, &wire.Poll{}))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		ack := resp.Msg.(*wire.AckStatus)
		if ack.Code != wire.StatusBadNotRegistered {
			t.Errorf("answer = %s, want BAD_NOT_REGISTERED", ack.Code)
		}
	})
}

func TestReceiveRejects(t *testing.T) {
	mgr := newTestManager(t, nil)

	t.Run("ServerSource", func(t *testing.T) {
		f := nodeFrame(wire.ServerID, 1, &wire.Poll{})
		if _, err := mgr.Receive(f); !errors.Is(err, ErrServerSource) {
			t.Errorf("error = %v, want ErrServerSource", err)
		}
	})

	t.Run("ServerToNodeKind", func(t *testing.T) {
		f := nodeFrame(wire.NewNodeID(), 1, &wire.AckStatus{RMID: 1, Code: wire.StatusGood})
		if _, err := mgr.Receive(f); !errors.Is(err, ErrWrongDirection) {
			t.Errorf("error = %v, want ErrWrongDirection", err)
		}
	})

	t.Run("InvalidFrame", func(t *testing.T) {
		f := nodeFrame(wire.NewNodeID(), 0, &wire.Poll{})
		if _, err := mgr.Receive(f); err == nil {
			t.Error("frame with zero mid accepted")
		}
	})
}

func TestApprovalFlow(t *testing.T) {
	mgr := newTestManager(t, nil)
	id := wire.NewNodeID()
	mids := &nodeMIDs{}
	register(t, mgr, id, mids)

	if err := mgr.Approve(id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// Approving again while undelivered is a no-op, not a second key.
	if err := mgr.Approve(id); err != nil {
		t.Fatalf("repeated Approve: %v", err)
	}

	// The decision is delivered on the next poll.
	resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	allowed, ok := resp.Msg.(*wire.RegisterAllowed)
	if !ok {
		t.Fatalf("poll delivered %T, want *RegisterAllowed", resp.Msg)
	}
	if len(allowed.SessionKey) != SessionKeySize {
		t.Errorf("session key length = %d", len(allowed.SessionKey))
	}
	if resp.Pending {
		t.Error("pending flag set with a single outbox entry")
	}

	// State flips only when the node acknowledges.
	if got := mgr.State(id); got != StateAwaitingApproval {
		t.Errorf("State before ack = %s", got)
	}
	key, epoch := mgr.Selector().CurrentKey(id)
	if epoch != security.EpochPreApproval {
		t.Errorf("epoch before ack = %v", epoch)
	}

	if _, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Ack{}, resp.MID)); err != nil {
		t.Fatalf("Receive(Ack): %v", err)
	}
	if got := mgr.State(id); got != StateOperating {
		t.Errorf("State after ack = %s, want OPERATING", got)
	}
	key, epoch = mgr.Selector().CurrentKey(id)
	if epoch != security.EpochApproved {
		t.Errorf("epoch after ack = %v, want APPROVED", epoch)
	}
	if !bytes.Equal(key, allowed.SessionKey) {
		t.Error("selector key differs from the delivered session key")
	}

	// An unacknowledged redelivery scenario: polling again before the ack
	// would have redelivered; after the ack the outbox is empty.
	resp, err = mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	if _, ok := resp.Msg.(*wire.AckStatus); !ok {
		t.Errorf("empty outbox delivered %T", resp.Msg)
	}
}

func TestApproveErrors(t *testing.T) {
	mgr := newTestManager(t, nil)

	if err := mgr.Approve(wire.NewNodeID()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Approve unknown = %v, want ErrUnknownNode", err)
	}
	if err := mgr.Deny(wire.NewNodeID()); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Deny unknown = %v, want ErrUnknownNode", err)
	}
}

func TestDenialFlow(t *testing.T) {
	mgr := newTestManager(t, nil)
	id := wire.NewNodeID()
	mids := &nodeMIDs{}
	register(t, mgr, id, mids)

	if err := mgr.Deny(id); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if err := mgr.Deny(id); err != nil {
		t.Fatalf("repeated Deny: %v", err)
	}

	resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	if _, ok := resp.Msg.(*wire.RegisterDenied); !ok {
		t.Fatalf("poll delivered %T, want *RegisterDenied", resp.Msg)
	}

	// The session survives until the denial is acknowledged, so the
	// delivery can be retried.
	if got := mgr.State(id); got != StateAwaitingApproval {
		t.Errorf("State before ack = %s", got)
	}

	if _, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Ack{}, resp.MID)); err != nil {
		t.Fatalf("Receive(Ack): %v", err)
	}
	if got := mgr.State(id); got != StateUnregistered {
		t.Errorf("State after ack = %s, want UNREGISTERED", got)
	}
	if len(mgr.Sessions()) != 0 {
		t.Error("session survived an acknowledged denial")
	}
}

func TestPush(t *testing.T) {
	values := []wire.SignalValue{{
		ID:        wire.NamedSignal("temperature"),
		Timestamp: wire.NowTimestamp(),
		Status:    wire.StatusGood,
		Signal:    wire.Temperature(21.5),
	}}

	t.Run("AppliedThroughSink", func(t *testing.T) {
		sink := &recordingSink{}
		mgr := newTestManager(t, sink)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Push{Values: values}))
		if err != nil {
			t.Fatalf("Receive(Push): %v", err)
		}
		if ack := resp.Msg.(*wire.AckStatus); !ack.Code.IsGood() {
			t.Errorf("answer = %s", ack.Code)
		}
		if sink.applied != 1 {
			t.Errorf("sink applied %d batches", sink.applied)
		}
	})

	t.Run("RedeliveryNotReapplied", func(t *testing.T) {
		sink := &recordingSink{}
		mgr := newTestManager(t, sink)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		mid := mids.alloc()
		if _, err := mgr.Receive(nodeFrame(id, mid, &wire.Push{Values: values})); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		resp, err := mgr.Receive(nodeFrame(id, mid, &wire.Push{Values: values}))
		if err != nil {
			t.Fatalf("Receive(redelivery): %v", err)
		}
		if ack := resp.Msg.(*wire.AckStatus); !ack.Code.IsGood() || ack.RMID != mid {
			t.Errorf("replayed answer = %s rmid=%d", ack.Code, ack.RMID)
		}
		if sink.applied != 1 {
			t.Errorf("sink applied %d batches, want 1", sink.applied)
		}
	})

	t.Run("AnswerReportsQueuedDelivery", func(t *testing.T) {
		sink := &recordingSink{}
		mgr := newTestManager(t, sink)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		if _, err := mgr.RequestDetails(id); err != nil {
			t.Fatalf("RequestDetails: %v", err)
		}
		resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Push{Values: values}))
		if err != nil {
			t.Fatalf("Receive(Push): %v", err)
		}
		if !resp.Pending {
			t.Error("push answer does not report the queued delivery")
		}
	})

	t.Run("SinkErrorAnsweredBadAndReplayed", func(t *testing.T) {
		sink := &recordingSink{fail: true}
		mgr := newTestManager(t, sink)
		id := wire.NewNodeID()
		mids := &nodeMIDs{}
		register(t, mgr, id, mids)

		mid := mids.alloc()
		resp, err := mgr.Receive(nodeFrame(id, mid, &wire.Push{Values: values}))
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		first := resp.Msg.(*wire.AckStatus).Code
		if !first.IsBad() {
			t.Errorf("answer = %s, want a Bad code", first)
		}

		// The recorded Bad answer replays even if the sink recovered.
		sink.fail = false
		resp, err = mgr.Receive(nodeFrame(id, mid, &wire.Push{Values: values}))
		if err != nil {
			t.Fatalf("Receive(redelivery): %v", err)
		}
		if got := resp.Msg.(*wire.AckStatus).Code; got != first {
			t.Errorf("replayed answer = %s, want %s", got, first)
		}
		if sink.applied != 0 {
			t.Error("redelivery re-applied a failed push")
		}
	})
}

func TestOutboxOrderingAndPending(t *testing.T) {
	mgr := newTestManager(t, nil)
	id := wire.NewNodeID()
	mids := &nodeMIDs{}
	register(t, mgr, id, mids)

	first, err := mgr.Enqueue(id, &wire.RequestDetails{NodeID: id})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := mgr.Enqueue(id, &wire.RequestDetails{NodeID: id})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if second <= first {
		t.Errorf("mids not monotonic: %d then %d", first, second)
	}
	if !mgr.Pending(id) {
		t.Error("Pending() = false with queued entries")
	}

	// First poll delivers the earliest entry and signals more pending.
	resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	if resp.MID != first {
		t.Errorf("delivered mid %d, want %d", resp.MID, first)
	}
	if !resp.Pending {
		t.Error("pending flag clear with a second entry queued")
	}

	// Unacked: polling again redelivers the SAME entry, never the second.
	resp, err = mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	if resp.MID != first {
		t.Errorf("redelivered mid %d, want %d", resp.MID, first)
	}

	// Ack the first; the next poll hands out the second.
	resp, err = mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}, first))
	if err != nil {
		t.Fatalf("Receive(Poll+ack): %v", err)
	}
	if resp.MID != second {
		t.Errorf("delivered mid %d, want %d", resp.MID, second)
	}
	if resp.Pending {
		t.Error("pending flag set with nothing further queued")
	}

	// Batch ack on a bare Ack frame clears the outbox; duplicate and
	// unknown ids are no-ops.
	if _, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Ack{}, first, second, 9999)); err != nil {
		t.Fatalf("Receive(Ack): %v", err)
	}
	if mgr.Pending(id) {
		t.Error("outbox still pending after batch ack")
	}
}

func TestRequestDetailsFlow(t *testing.T) {
	mgr := newTestManager(t, nil)
	id := wire.NewNodeID()
	mids := &nodeMIDs{}
	register(t, mgr, id, mids)

	reqMID, err := mgr.RequestDetails(id)
	if err != nil {
		t.Fatalf("RequestDetails: %v", err)
	}

	resp, err := mgr.Receive(nodeFrame(id, mids.alloc(), &wire.Poll{}))
	if err != nil {
		t.Fatalf("Receive(Poll): %v", err)
	}
	if _, ok := resp.Msg.(*wire.RequestDetails); !ok {
		t.Fatalf("poll delivered %T", resp.Msg)
	}

	details := &wire.Details{
		NodeID: id,
		Name:   "Test Sensor",
		Model:  "T-1",
		Serial: "T1-0001",
		Signals: []wire.SignalConfig{
			{ID: wire.NamedSignal("temperature"), Name: "Temperature", Type: wire.SignalTemperature},
		},
	}
	if _, err := mgr.Receive(nodeFrame(id, mids.alloc(), details, reqMID)); err != nil {
		t.Fatalf("Receive(Details): %v", err)
	}

	got := mgr.Details(id)
	if got == nil || len(got.Signals) != 1 {
		t.Errorf("stored details = %+v", got)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	mgr := newTestManager(t, nil)
	a, b := wire.NewNodeID(), wire.NewNodeID()
	register(t, mgr, a, &nodeMIDs{})
	register(t, mgr, b, &nodeMIDs{})

	infos := mgr.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Sessions() returned %d entries", len(infos))
	}
	for _, info := range infos {
		if info.State != StateAwaitingApproval {
			t.Errorf("session %s state = %s", info.NodeID, info.State)
		}
		if info.Serial == "" {
			t.Errorf("session %s missing register data", info.NodeID)
		}
	}
}

func TestKeyFor(t *testing.T) {
	mgr := newTestManager(t, nil)
	id := wire.NewNodeID()

	sharedKey, err := keys.Derive(testMaster(), keys.PurposeEncryptionKey)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	key, err := mgr.KeyFor(id.String())
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if !bytes.Equal(key, sharedKey) {
		t.Error("pre-approval identity does not resolve to the shared key")
	}

	if _, err := mgr.KeyFor("bogus"); !errors.Is(err, ErrInvalidIdentity) {
		t.Errorf("KeyFor(bogus) = %v, want ErrInvalidIdentity", err)
	}
}

func TestReplayCachePruning(t *testing.T) {
	sess := newSession(wire.NewNodeID())
	for mid := uint64(1); mid <= replayWindow+10; mid++ {
		sess.recordReplayLocked(mid, wire.StatusGood)
	}
	if _, ok := sess.replayedLocked(1); ok {
		t.Error("ancient mid survived pruning")
	}
	if _, ok := sess.replayedLocked(replayWindow + 10); !ok {
		t.Error("recent mid was pruned")
	}
}

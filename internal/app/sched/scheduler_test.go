package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dkeye/Chaos/internal/core"
	"github.com/dkeye/Chaos/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	s       *Scheduler
	coupler core.Attachment
	peer    core.Attachment
	ui      core.Attachment
}

func newHarness(t *testing.T, local domain.UserID) *harness {
	t.Helper()
	s := New()
	h := &harness{
		s:       s,
		coupler: s.Attach(core.ComponentCoupler),
		peer:    s.Attach(core.ComponentPeer),
		ui:      s.Attach(core.ComponentPresentation),
	}
	if local != "" {
		h.apply(t, core.SignalSetClientID{ID: local})
		drain(h.ui.Inbox)
	}
	return h
}

func (h *harness) apply(t *testing.T, cmd core.Command) {
	t.Helper()
	if err := h.s.Apply(cmd); err != nil {
		t.Fatalf("apply %T: %v", cmd, err)
	}
}

func (h *harness) progress(remote domain.UserID) domain.Progress {
	return h.s.state.Get(remote).Progress
}

func drain(mb *core.Mailbox) []core.Command {
	var out []core.Command
	for {
		cmd, ok := mb.TryReceive()
		if !ok {
			return out
		}
		out = append(out, cmd)
	}
}

func lastSnapshot(t *testing.T, mb *core.Mailbox) domain.ConnectionState {
	t.Helper()
	var snap *domain.ConnectionState
	for _, cmd := range drain(mb) {
		if s, ok := cmd.(core.StateSnapshot); ok {
			snap = &s.State
		}
	}
	if snap == nil {
		t.Fatal("no snapshot pushed to presentation")
	}
	return *snap
}

func TestSetClientIDPushesSnapshot(t *testing.T) {
	h := newHarness(t, "")
	h.apply(t, core.SignalSetClientID{ID: "alice"})

	snap := lastSnapshot(t, h.ui.Inbox)
	if snap.LocalID != "alice" {
		t.Fatalf("local id = %q, want alice", snap.LocalID)
	}
	if len(snap.Connections) != 0 {
		t.Fatalf("connections = %d, want 0", len(snap.Connections))
	}
}

func TestRequestCallEmitsWireRequest(t *testing.T) {
	h := newHarness(t, "alice")
	h.apply(t, core.RequestCall{Remote: "bob"})

	if got := h.progress("bob"); got != domain.CallRequestSent {
		t.Fatalf("progress = %s, want CallRequestSent", got)
	}
	out := drain(h.coupler.Inbox)
	if len(out) != 1 || out[0] != (core.SignalCallRequest{Remote: "bob"}) {
		t.Fatalf("coupler got %#v", out)
	}
	snap := lastSnapshot(t, h.ui.Inbox)
	if snap.Connections["bob"].Progress != domain.CallRequestSent {
		t.Fatalf("snapshot progress = %s", snap.Connections["bob"].Progress)
	}
}

func TestRequestCallRejectsSelfAndDuplicates(t *testing.T) {
	h := newHarness(t, "alice")
	if err := h.s.Apply(core.RequestCall{Remote: "alice"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("calling yourself = %v, want ErrProtocol", err)
	}
	h.apply(t, core.RequestCall{Remote: "bob"})
	if err := h.s.Apply(core.RequestCall{Remote: "bob"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("second request = %v, want ErrProtocol", err)
	}
	if err := h.s.Apply(core.RequestCall{Remote: "carol"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("request while busy = %v, want ErrBusy", err)
	}
}

func TestAcceptStartsNegotiation(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.SignalCallRequest{Remote: "alice"})
	if got := h.progress("alice"); got != domain.CallRequestReceived {
		t.Fatalf("progress = %s, want CallRequestReceived", got)
	}

	h.apply(t, core.AnswerCall{Accepted: true, Remote: "alice"})
	if got := h.progress("alice"); got != domain.CallAnswerSent {
		t.Fatalf("progress = %s, want CallAnswerSent", got)
	}
	out := drain(h.peer.Inbox)
	if len(out) != 1 || out[0] != (core.NewPeerConnection{Remote: "alice"}) {
		t.Fatalf("peer got %#v", out)
	}
	if got := drain(h.coupler.Inbox); len(got) != 0 {
		t.Fatalf("coupler should stay quiet until the descriptor is ready, got %#v", got)
	}

	h.apply(t, core.CallAnswerDescriptor{Remote: "alice", SDP: "ZGVzYw=="})
	out = drain(h.coupler.Inbox)
	if len(out) != 1 {
		t.Fatalf("coupler got %#v", out)
	}
	answer, ok := out[0].(core.SignalCallAnswer)
	if !ok || !answer.Accepted || answer.SDP == nil || *answer.SDP != "ZGVzYw==" {
		t.Fatalf("coupler got %#v", out[0])
	}
}

func TestRejectResetsToClosed(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.SignalCallRequest{Remote: "alice"})
	drain(h.ui.Inbox)

	h.apply(t, core.AnswerCall{Accepted: false, Remote: "alice"})

	snap := lastSnapshot(t, h.ui.Inbox)
	conn := snap.Connections["alice"]
	if conn.Progress != domain.Closed {
		t.Fatalf("progress = %s, want Closed", conn.Progress)
	}
	if conn.Outcome != domain.OutcomeDeclined {
		t.Fatalf("outcome = %q, want declined", conn.Outcome)
	}
	out := drain(h.coupler.Inbox)
	if len(out) != 1 {
		t.Fatalf("coupler got %#v", out)
	}
	answer := out[0].(core.SignalCallAnswer)
	if answer.Accepted || answer.SDP != nil {
		t.Fatalf("wire answer = %#v, want CallAnswer(false, none)", answer)
	}
	if got := drain(h.peer.Inbox); len(got) != 0 {
		t.Fatalf("peer should not hear about a rejected call, got %#v", got)
	}
}

func TestReplayedRequestKeepsSingleEntry(t *testing.T) {
	h := newHarness(t, "bob")
	for i := 0; i < 5; i++ {
		h.apply(t, core.SignalCallRequest{Remote: "alice"})
	}
	if n := len(h.s.state.Connections); n != 1 {
		t.Fatalf("connections = %d, want 1", n)
	}
	if got := h.progress("alice"); got != domain.CallRequestReceived {
		t.Fatalf("progress = %s", got)
	}

	h.apply(t, core.AnswerCall{Accepted: true, Remote: "alice"})
	if err := h.s.Apply(core.SignalCallRequest{Remote: "alice"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("replay mid-flow = %v, want ErrProtocol", err)
	}
	if n := len(h.s.state.Connections); n != 1 {
		t.Fatalf("connections = %d after mid-flow replay, want 1", n)
	}
	if got := h.progress("alice"); got != domain.CallAnswerSent {
		t.Fatalf("replay moved progress to %s", got)
	}
}

func TestRequesterDistinguishesOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		event core.Command
		want  domain.Outcome
	}{
		{"rejected", core.SignalCallAnswer{Accepted: false}, domain.OutcomeRejected},
		{"unreachable", core.SignalCallRequestFailure{}, domain.OutcomeUnreachable},
		{"remote hangup", core.SignalHangup{}, domain.OutcomeRemoteEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "alice")
			h.apply(t, core.RequestCall{Remote: "bob"})
			h.apply(t, tt.event)

			conn := h.s.state.Get("bob")
			if conn.Progress != domain.Closed {
				t.Fatalf("progress = %s, want Closed", conn.Progress)
			}
			if conn.Outcome != tt.want {
				t.Fatalf("outcome = %q, want %q", conn.Outcome, tt.want)
			}
			// The next call starts from a clean slate.
			h.apply(t, core.RequestCall{Remote: "bob"})
			if conn.Outcome != domain.OutcomeNone {
				t.Fatalf("outcome not reset on new call: %q", conn.Outcome)
			}
		})
	}
}

func TestStrayWireCommandsAreProtocolErrors(t *testing.T) {
	h := newHarness(t, "alice")
	sdp := domain.SDP("eA==")

	for _, cmd := range []core.Command{
		core.SignalCallAnswer{Accepted: true, SDP: &sdp},
		core.SignalCallReply{SDP: sdp},
		core.SignalCallRequestFailure{},
		core.SignalHangup{},
	} {
		if err := h.s.Apply(cmd); !errors.Is(err, ErrProtocol) {
			t.Fatalf("%T with no call = %v, want ErrProtocol", cmd, err)
		}
	}

	h.apply(t, core.RequestCall{Remote: "bob"})
	drain(h.ui.Inbox)
	if err := h.s.Apply(core.SignalCallReply{SDP: sdp}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("reply before answer = %v, want ErrProtocol", err)
	}
	if err := h.s.Apply(core.SignalCallAnswer{Accepted: true}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("accepted answer without descriptor = %v, want ErrProtocol", err)
	}
	if got := h.progress("bob"); got != domain.CallRequestSent {
		t.Fatalf("protocol error mutated progress to %s", got)
	}
	if got := drain(h.ui.Inbox); len(got) != 0 {
		t.Fatalf("protocol error pushed %d snapshots", len(got))
	}
}

func TestUnsupportedCommands(t *testing.T) {
	h := newHarness(t, "alice")
	for _, cmd := range []core.Command{
		core.StateSnapshot{},
		core.NewPeerConnection{Remote: "bob"},
		core.EstablishConnection{Remote: "bob"},
		core.SendOnChannel{Remote: "bob", Text: "hi"},
		core.ClosePeerConnection{Remote: "bob"},
	} {
		if err := h.s.Apply(cmd); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("%T = %v, want ErrUnsupported", cmd, err)
		}
	}
}

func TestNegotiationFailureSurfacesAsClosed(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.SignalCallRequest{Remote: "alice"})
	h.apply(t, core.AnswerCall{Accepted: true, Remote: "alice"})
	drain(h.ui.Inbox)
	drain(h.coupler.Inbox)

	h.apply(t, core.NegotiationFailed{Remote: "alice", Reason: "ice gathering timed out"})

	snap := lastSnapshot(t, h.ui.Inbox)
	if c := snap.Connections["alice"]; c.Progress != domain.Closed || c.Outcome != domain.OutcomeFailed {
		t.Fatalf("connection = %+v, want Closed/failed", c)
	}
	out := drain(h.coupler.Inbox)
	if len(out) != 1 || out[0] != (core.SignalHangup{}) {
		t.Fatalf("coupler got %#v, want a hangup", out)
	}
}

func TestPeerFailureAfterEstablished(t *testing.T) {
	a, _ := establishedPair(t)
	drain(a.ui.Inbox)
	drain(a.peer.Inbox)

	a.apply(t, core.PeerStateChanged{Remote: "bob", State: domain.PeerFailed})

	snap := lastSnapshot(t, a.ui.Inbox)
	if c := snap.Connections["bob"]; c.Progress != domain.Closed || c.Outcome != domain.OutcomeFailed {
		t.Fatalf("connection = %+v, want Closed/failed", c)
	}
	out := drain(a.peer.Inbox)
	if len(out) != 1 || out[0] != (core.ClosePeerConnection{Remote: "bob"}) {
		t.Fatalf("peer got %#v", out)
	}
}

func TestHangUpTearsDownBothSides(t *testing.T) {
	a, b := establishedPair(t)
	drain(a.peer.Inbox)
	drain(b.peer.Inbox)

	a.apply(t, core.HangUp{Remote: "bob"})
	if c := a.s.state.Get("bob"); c.Progress != domain.Closed || c.Outcome != domain.OutcomeEnded {
		t.Fatalf("local connection = %+v", c)
	}
	if out := drain(a.peer.Inbox); len(out) != 1 || out[0] != (core.ClosePeerConnection{Remote: "bob"}) {
		t.Fatalf("local peer got %#v", out)
	}
	out := drain(a.coupler.Inbox)
	if len(out) != 1 || out[0] != (core.SignalHangup{}) {
		t.Fatalf("coupler got %#v", out)
	}

	b.apply(t, out[0])
	if c := b.s.state.Get("alice"); c.Progress != domain.Closed || c.Outcome != domain.OutcomeRemoteEnded {
		t.Fatalf("remote connection = %+v", c)
	}
	if out := drain(b.peer.Inbox); len(out) != 1 || out[0] != (core.ClosePeerConnection{Remote: "alice"}) {
		t.Fatalf("remote peer got %#v", out)
	}

	// A second hangup is a no-op.
	a.apply(t, core.HangUp{Remote: "bob"})
	if out := drain(a.coupler.Inbox); len(out) != 0 {
		t.Fatalf("second hangup emitted %#v", out)
	}
}

func TestMessagesFlowOnlyWhenEstablished(t *testing.T) {
	h := newHarness(t, "alice")
	h.apply(t, core.RequestCall{Remote: "bob"})
	if err := h.s.Apply(core.SendMessage{Remote: "bob", Text: "early"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("early send = %v, want ErrProtocol", err)
	}

	a, _ := establishedPair(t)
	drain(a.ui.Inbox)
	drain(a.peer.Inbox)

	a.apply(t, core.SendMessage{Remote: "bob", Text: "hello"})
	a.apply(t, core.MessageReceived{Remote: "bob", Text: "hi alice"})

	if out := drain(a.peer.Inbox); len(out) != 1 || out[0] != (core.SendOnChannel{Remote: "bob", Text: "hello"}) {
		t.Fatalf("peer got %#v", out)
	}
	msgs := lastSnapshot(t, a.ui.Inbox).Connections["bob"].Messages
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].From != "alice" || msgs[0].Text != "hello" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].From != "bob" || msgs[1].Text != "hi alice" {
		t.Fatalf("second message = %+v", msgs[1])
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	a, _ := establishedPair(t)
	drain(a.ui.Inbox)
	a.apply(t, core.MessageReceived{Remote: "bob", Text: "one"})
	snap := lastSnapshot(t, a.ui.Inbox)

	snap.Connections["bob"].Messages[0].Text = "tampered"
	snap.Connections["mallory"] = domain.NewConnection("mallory")

	if got := a.s.state.Get("bob").Messages[0].Text; got != "one" {
		t.Fatalf("snapshot shares message storage: %q", got)
	}
	if _, ok := a.s.state.Connections["mallory"]; ok {
		t.Fatal("snapshot shares the connection map")
	}
}

func TestRunAppliesInArrivalOrder(t *testing.T) {
	s := New()
	ui := s.Attach(core.ComponentPresentation)
	s.Attach(core.ComponentCoupler)
	s.Attach(core.ComponentPeer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	sender := s.Inbox()
	cmds := []core.Command{
		core.SignalSetClientID{ID: "bob"},
		core.SignalCallRequest{Remote: "alice"},
		core.AnswerCall{Accepted: false, Remote: "alice"},
	}
	for _, cmd := range cmds {
		if err := sender.Send(cmd); err != nil {
			t.Fatal(err)
		}
	}

	var snaps []domain.ConnectionState
	for len(snaps) < 3 {
		recvCtx, recvCancel := context.WithTimeout(ctx, 2*time.Second)
		cmd, err := ui.Inbox.Receive(recvCtx)
		recvCancel()
		if err != nil {
			t.Fatalf("waiting for snapshot %d: %v", len(snaps)+1, err)
		}
		snaps = append(snaps, cmd.(core.StateSnapshot).State)
	}

	if snaps[0].LocalID != "bob" || len(snaps[0].Connections) != 0 {
		t.Fatalf("first snapshot = %+v", snaps[0])
	}
	if snaps[1].Connections["alice"].Progress != domain.CallRequestReceived {
		t.Fatalf("second snapshot progress = %s", snaps[1].Connections["alice"].Progress)
	}
	if snaps[2].Connections["alice"].Progress != domain.Closed {
		t.Fatalf("third snapshot progress = %s", snaps[2].Connections["alice"].Progress)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if err := ui.Inbox.Send(core.StateSnapshot{}); !errors.Is(err, core.ErrMailboxClosed) {
		t.Fatalf("component inbox still open after shutdown: %v", err)
	}
}

func TestRunStopsWhenComponentInboxCloses(t *testing.T) {
	s := New()
	ui := s.Attach(core.ComponentPresentation)
	ui.Inbox.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	_ = s.Inbox().Send(core.SignalSetClientID{ID: "bob"})

	select {
	case err := <-done:
		if !errors.Is(err, core.ErrMailboxClosed) {
			t.Fatalf("run returned %v, want ErrMailboxClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running with a dead component")
	}
}

func TestRequestCallWhileRequestPendingIsBusy(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.SignalCallRequest{Remote: "alice"})

	if err := h.s.Apply(core.RequestCall{Remote: "carol"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("request with a pending incoming call = %v, want ErrBusy", err)
	}
	if got := drain(h.coupler.Inbox); len(got) != 0 {
		t.Fatalf("refused request reached the relay: %#v", got)
	}
	if got := h.progress("carol"); got != domain.Closed {
		t.Fatalf("carol progress = %s, want Closed", got)
	}

	h.apply(t, core.AnswerCall{Accepted: true, Remote: "alice"})
	if got := h.progress("alice"); got != domain.CallAnswerSent {
		t.Fatalf("alice progress = %s, want CallAnswerSent", got)
	}
	out := drain(h.peer.Inbox)
	if len(out) != 1 || out[0] != (core.NewPeerConnection{Remote: "alice"}) {
		t.Fatalf("peer got %#v", out)
	}
}

func TestDeclineAfterRefusedRequestNotifiesCaller(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.SignalCallRequest{Remote: "alice"})
	if err := h.s.Apply(core.RequestCall{Remote: "carol"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("request = %v, want ErrBusy", err)
	}

	h.apply(t, core.AnswerCall{Accepted: false, Remote: "alice"})
	out := drain(h.coupler.Inbox)
	if len(out) != 1 || out[0] != (core.SignalCallAnswer{Accepted: false}) {
		t.Fatalf("coupler got %#v, want CallAnswer(false)", out)
	}
}

func TestCrossedCallRequestsAnswerSide(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.RequestCall{Remote: "alice"})
	drain(h.coupler.Inbox)
	drain(h.ui.Inbox)

	h.apply(t, core.SignalCallRequest{Remote: "alice"})
	snap := lastSnapshot(t, h.ui.Inbox)
	if got := snap.Connections["alice"].Progress; got != domain.CallRequestReceived {
		t.Fatalf("snapshot progress = %s, want CallRequestReceived", got)
	}

	// The relay refuses our own request since alice is now paired with us.
	if err := h.s.Apply(core.SignalCallRequestFailure{}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("late failure = %v, want ErrProtocol", err)
	}
	if got := h.progress("alice"); got != domain.CallRequestReceived {
		t.Fatalf("late failure moved progress to %s", got)
	}

	h.apply(t, core.AnswerCall{Accepted: true, Remote: "alice"})
	out := drain(h.peer.Inbox)
	if len(out) != 1 || out[0] != (core.NewPeerConnection{Remote: "alice"}) {
		t.Fatalf("peer got %#v", out)
	}
}

func TestCrossedRequestFromAnotherRemoteIsRefused(t *testing.T) {
	h := newHarness(t, "bob")
	h.apply(t, core.RequestCall{Remote: "alice"})
	h.apply(t, core.SignalCallRequest{Remote: "carol"})

	if got := h.progress("alice"); got != domain.CallRequestSent {
		t.Fatalf("alice progress = %s, want CallRequestSent", got)
	}
	if err := h.s.Apply(core.AnswerCall{Accepted: true, Remote: "carol"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("accept while dialing = %v, want ErrBusy", err)
	}
}

func TestLazilyCreatedEntryIsPublished(t *testing.T) {
	h := newHarness(t, "alice")

	if err := h.s.Apply(core.AnswerCall{Accepted: true, Remote: "ghost"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("answer unknown call = %v, want ErrProtocol", err)
	}
	snap := lastSnapshot(t, h.ui.Inbox)
	c, ok := snap.Connections["ghost"]
	if !ok {
		t.Fatal("snapshot is missing the entry the failed command created")
	}
	if c.Progress != domain.Closed {
		t.Fatalf("progress = %s, want Closed", c.Progress)
	}

	h.apply(t, core.HangUp{Remote: "nobody"})
	snap = lastSnapshot(t, h.ui.Inbox)
	if _, ok := snap.Connections["nobody"]; !ok {
		t.Fatal("hangup on an unknown remote did not publish its entry")
	}

	// A known entry failing again pushes nothing.
	if err := h.s.Apply(core.AnswerCall{Accepted: true, Remote: "ghost"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("second answer = %v, want ErrProtocol", err)
	}
	if got := drain(h.ui.Inbox); len(got) != 0 {
		t.Fatalf("repeated failure pushed %d snapshots", len(got))
	}
}

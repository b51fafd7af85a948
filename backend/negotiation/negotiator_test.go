package negotiation

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type harness struct {
	n   *Negotiator
	tr  *fakeTransport
	sig *fakeSignaler
	obs *recorder
}

func start(t *testing.T, tr *fakeTransport, mediaTimeout time.Duration) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{tr: tr, sig: &fakeSignaler{}, obs: &recorder{}}
	h.n = NewNegotiator(Config{
		Logger:       &logger,
		Transport:    tr,
		Signaler:     h.sig,
		Observer:     h.obs,
		MediaTimeout: mediaTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) handle(t *testing.T, msg model.Message) {
	t.Helper()
	if err := h.n.HandleMessage(msg); err != nil {
		t.Fatalf("HandleMessage(%s): %v", msg.Type, err)
	}
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	eventually(t, "state "+s.String(), func() bool { return h.n.Snapshot().State == s })
}

// offering pairs the harness with remote as initiator and waits for the offer.
func (h *harness) offering(t *testing.T, remote model.SessionID) {
	t.Helper()
	h.handle(t, model.Message{Type: model.TypeUserJoined, SessionID: remote, RoomID: "r1"})
	eventually(t, "offer", func() bool { return h.sig.count(model.TypeOffer) == 1 })
}

func userJoined(remote model.SessionID) model.Message {
	return model.Message{Type: model.TypeUserJoined, SessionID: remote, RoomID: "r1"}
}

func endCall(from model.SessionID) model.Message {
	return model.Message{Type: model.TypeEndCall, From: from}
}

func countPrefix(ops []string, prefix string) int {
	var n int
	for _, op := range ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

func TestNegotiator_InitiatorAppliesBufferedCandidatesAfterAnswer(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	sent := h.sig.Sent()
	if sent[0].To != "b" || len(sent[0].Offer) == 0 {
		t.Fatalf("unexpected offer:\n%s", spew.Sdump(sent))
	}

	h.handle(t, candidateMsg(t, "b", "c1"))
	h.handle(t, candidateMsg(t, "b", "c2"))
	h.handle(t, answerMsg(t, "b"))
	h.handle(t, candidateMsg(t, "b", "c3"))

	conn := h.tr.conn(0)
	eventually(t, "candidates", func() bool { return countPrefix(conn.Ops(), "candidate:") == 3 })

	want := []string{
		"attach:audio-0", "attach:video-0",
		"create-offer", "local:offer",
		"remote:answer",
		"candidate:c1", "candidate:c2", "candidate:c3",
	}
	if got := conn.Ops(); !slices.Equal(got, want) {
		t.Fatalf("got ops %v\nwant %v", got, want)
	}
	if snap := h.n.Snapshot(); snap.State != StateRemoteSet || snap.Role != RoleInitiator || snap.Remote != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestNegotiator_ResponderAnswers(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.handle(t, offerMsg(t, "a"))
	eventually(t, "answer", func() bool { return h.sig.count(model.TypeAnswer) == 1 })

	h.handle(t, candidateMsg(t, "a", "bad"))
	h.handle(t, candidateMsg(t, "a", "c2"))

	conn := h.tr.conn(0)
	eventually(t, "candidates", func() bool { return countPrefix(conn.Ops(), "candidate:") == 2 })

	want := []string{
		"attach:audio-0", "attach:video-0",
		"remote:offer",
		"create-answer", "local:answer",
		"candidate:bad", "candidate:c2",
	}
	if got := conn.Ops(); !slices.Equal(got, want) {
		t.Fatalf("got ops %v\nwant %v", got, want)
	}
	if snap := h.n.Snapshot(); snap.State != StateRemoteSet || snap.Role != RoleResponder || snap.Remote != "a" {
		t.Fatalf("a bad candidate must not fail the leg, snapshot %+v", snap)
	}
	if sent := h.sig.Sent(); sent[0].To != "a" {
		t.Fatalf("answer sent to %q", sent[0].To)
	}
}

func TestNegotiator_DuplicateBindingLeavesLegUntouched(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	h.handle(t, userJoined("c"))
	h.handle(t, offerMsg(t, "c"))
	h.handle(t, candidateMsg(t, "c", "x"))
	eventually(t, "rejections", func() bool { return len(h.obs.Rejected()) == 3 })

	rejected := h.obs.Rejected()
	if !errors.Is(rejected[0], ErrDuplicateBinding) || !errors.Is(rejected[1], ErrDuplicateBinding) {
		t.Fatalf("expected duplicate binding:\n%s", spew.Sdump(rejected))
	}
	if !errors.Is(rejected[2], ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", rejected[2])
	}
	if snap := h.n.Snapshot(); snap.State != StateOffering || snap.Remote != "b" || snap.Role != RoleInitiator {
		t.Fatalf("binding changed: %+v", snap)
	}
	for _, msg := range h.sig.Sent() {
		if msg.To != "b" {
			t.Fatalf("nothing may be sent to the stranger:\n%s", spew.Sdump(msg))
		}
	}
	if h.tr.conn(1) != nil {
		t.Fatalf("a second connection was created")
	}
}

func TestNegotiator_UserJoinedFromBoundRemoteIsNoop(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	h.handle(t, userJoined("b"))
	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateRemoteSet)

	if n := h.sig.count(model.TypeOffer); n != 1 {
		t.Fatalf("sent %d offers, want 1", n)
	}
	if h.tr.conn(1) != nil || len(h.obs.Rejected()) != 0 {
		t.Fatalf("repeated user_joined changed something:\n%s", h.obs.dump())
	}
}

func TestNegotiator_RemoteEndCallClosesWithoutReemit(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")
	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateRemoteSet)

	// from a stranger, ignored
	h.handle(t, endCall("c"))
	h.handle(t, endCall("b"))
	h.waitState(t, StateClosed)

	if n := h.sig.count(model.TypeEndCall); n != 0 {
		t.Fatalf("end-call must not be re-emitted, sent %d", n)
	}
	if n := h.sig.count(model.TypeLeaveRoom); n != 0 {
		t.Fatalf("remote end-call must not leave the room")
	}
	if !h.tr.conn(0).isClosed() {
		t.Fatalf("connection is not closed")
	}
	eventually(t, "media stopped", func() bool { return h.tr.mediaStopped() == 1 })
	if snap := h.n.Snapshot(); snap.Remote != "" || snap.Role != RoleNone {
		t.Fatalf("binding is not cleared: %+v", snap)
	}
}

func TestNegotiator_HangupNotifiesAndLeaves(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	h.n.Hangup()
	h.waitState(t, StateClosed)
	eventually(t, "leave_room", func() bool { return h.sig.count(model.TypeLeaveRoom) == 1 })

	var types []string
	for _, msg := range h.sig.Sent() {
		types = append(types, msg.Type)
	}
	want := []string{model.TypeOffer, model.TypeEndCall, model.TypeLeaveRoom}
	if !slices.Equal(types, want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	if end := h.sig.Sent()[1]; end.To != "b" {
		t.Fatalf("end-call addressed to %q", end.To)
	}
}

func TestNegotiator_SignalingLostClosesSilently(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	h.n.SignalingLost()
	h.waitState(t, StateClosed)

	if sent := h.sig.Sent(); len(sent) != 1 {
		t.Fatalf("nothing but the offer may be sent:\n%s", spew.Sdump(sent))
	}
}

func TestNegotiator_ViolationFromBoundRemoteFailsLeg(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")
	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateRemoteSet)

	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateFailed)

	last, _ := h.obs.last()
	if !errors.Is(last.err, ErrUnexpectedAnswer) {
		t.Fatalf("got %v, want ErrUnexpectedAnswer", last.err)
	}
	if n := h.sig.count(model.TypeEndCall); n != 1 {
		t.Fatalf("failed leg must notify the remote, sent %d end-call", n)
	}
}

func TestNegotiator_RejectsSignalsWithoutNegotiation(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)

	h.handle(t, answerMsg(t, "x"))
	h.handle(t, candidateMsg(t, "x", "c1"))
	eventually(t, "rejections", func() bool { return len(h.obs.Rejected()) == 2 })

	rejected := h.obs.Rejected()
	if !errors.Is(rejected[0], ErrUnexpectedAnswer) || !errors.Is(rejected[1], ErrNoNegotiation) {
		t.Fatalf("unexpected rejections:\n%s", spew.Sdump(rejected))
	}
	if h.n.Snapshot().State != StateIdle || h.tr.conn(0) != nil {
		t.Fatalf("idle negotiator must stay untouched")
	}
	if err := h.n.HandleMessage(model.Message{Type: model.TypeOffer, From: "x"}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("empty offer: got %v", err)
	}
}

func TestNegotiator_MediaTimeoutFailsLeg(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	h := start(t, tr, 50*time.Millisecond)

	h.handle(t, userJoined("b"))
	h.waitState(t, StateFailed)

	last, _ := h.obs.last()
	if !errors.Is(last.err, ErrMediaTimeout) || !errors.Is(last.err, ErrNegotiation) {
		t.Fatalf("got %v, want ErrMediaTimeout", last.err)
	}
	if h.sig.count(model.TypeOffer) != 0 || h.sig.count(model.TypeEndCall) != 1 {
		t.Fatalf("unexpected signals:\n%s", spew.Sdump(h.sig.Sent()))
	}
	eventually(t, "rejoin", func() bool { return h.sig.count(model.TypeJoinRoom) == 1 })
	sent := h.sig.Sent()
	if end, join := sent[0], sent[1]; end.Type != model.TypeEndCall || join.Type != model.TypeJoinRoom || join.RoomID != "r1" {
		t.Fatalf("failed leg must end the call, then rejoin r1:\n%s", spew.Sdump(sent))
	}
	if !h.tr.conn(0).isClosed() {
		t.Fatalf("connection is not closed")
	}
}

func TestNegotiator_EndCallInterruptsPendingMedia(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	h := start(t, tr, time.Minute)

	h.handle(t, userJoined("b"))
	h.waitState(t, StateOffering)

	h.handle(t, endCall("b"))
	h.waitState(t, StateClosed)
	close(tr.gate)

	if sent := h.sig.Sent(); len(sent) != 0 {
		t.Fatalf("interrupted leg must not signal:\n%s", spew.Sdump(sent))
	}
	if h.obs.reached(StateFailed) {
		t.Fatalf("interruption is not a failure:\n%s", h.obs.dump())
	}
}

func TestNegotiator_TracksAttachedOnce(t *testing.T) {
	tr := newFakeTransport()
	audio := fakeTrack{"audio-0", "audio"}
	tr.tracks = []Track{audio, audio, fakeTrack{"video-0", "video"}}
	h := start(t, tr, time.Second)
	h.offering(t, "b")

	ops := h.tr.conn(0).Ops()
	if n := countPrefix(ops, "attach:audio-0"); n != 1 {
		t.Fatalf("audio attached %d times: %v", n, ops)
	}
}

func TestNegotiator_TransportEvents(t *testing.T) {
	tr := newFakeTransport()
	tr.autoConnect = true
	h := start(t, tr, time.Second)
	h.offering(t, "b")
	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateConnected)

	eventually(t, "local candidate", func() bool { return h.sig.count(model.TypeICECandidate) == 1 })
	sent := h.sig.Sent()
	if sent[0].Type != model.TypeOffer || sent[1].Type != model.TypeICECandidate {
		t.Fatalf("local candidate overtook the offer:\n%s", spew.Sdump(sent))
	}
	eventually(t, "remote track", func() bool {
		h.obs.mx.Lock()
		defer h.obs.mx.Unlock()
		return len(h.obs.tracks) == 1
	})

	h.tr.conn(0).events.OnConnectionStateChange(ConnectionStateFailed)
	h.waitState(t, StateFailed)
	last, _ := h.obs.last()
	if !errors.Is(last.err, ErrTransportFailed) {
		t.Fatalf("got %v, want ErrTransportFailed", last.err)
	}
	if n := h.sig.count(model.TypeEndCall); n != 1 {
		t.Fatalf("sent %d end-call, want 1", n)
	}
}

func TestNegotiator_NewPairingAfterClose(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")
	h.handle(t, endCall("b"))
	h.waitState(t, StateClosed)

	// late event of the closed connection
	h.tr.conn(0).events.OnConnectionStateChange(ConnectionStateConnected)

	h.handle(t, userJoined("c"))
	eventually(t, "second offer", func() bool { return h.sig.count(model.TypeOffer) == 2 })

	if snap := h.n.Snapshot(); snap.State != StateOffering || snap.Remote != "c" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if h.obs.reached(StateConnected) {
		t.Fatalf("stale connection event was applied:\n%s", h.obs.dump())
	}
	if h.tr.conn(1) == nil {
		t.Fatalf("new pairing must use a fresh connection")
	}
}

func TestNegotiator_RoomJoinedElsewhereClosesLeg(t *testing.T) {
	h := start(t, newFakeTransport(), time.Second)
	h.offering(t, "b")

	h.handle(t, model.Message{Type: model.TypeRoomJoined, RoomID: "r1"})
	h.handle(t, answerMsg(t, "b"))
	h.waitState(t, StateRemoteSet)

	h.handle(t, model.Message{Type: model.TypeRoomJoined, RoomID: "r2"})
	h.waitState(t, StateClosed)

	if snap := h.n.Snapshot(); snap.Remote != "" {
		t.Fatalf("still bound: %+v", snap)
	}
	if !h.tr.conn(0).isClosed() {
		t.Fatalf("connection is not closed")
	}
	if sent := h.sig.Sent(); len(sent) != 1 {
		t.Fatalf("nothing but the offer may be sent:\n%s", spew.Sdump(sent))
	}

	h.handle(t, userJoined("c"))
	eventually(t, "offer to c", func() bool { return h.sig.count(model.TypeOffer) == 2 })
	if err := h.n.HandleMessage(model.Message{Type: model.TypeRoomJoined}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("room_joined without a room: got %v", err)
	}
}

func TestNegotiator_RoomJoinedElsewhereInterruptsPendingMedia(t *testing.T) {
	tr := newFakeTransport()
	tr.gate = make(chan struct{})
	h := start(t, tr, time.Minute)

	h.handle(t, userJoined("b"))
	h.waitState(t, StateOffering)

	h.handle(t, model.Message{Type: model.TypeRoomJoined, RoomID: "r2"})
	h.waitState(t, StateClosed)
	close(tr.gate)

	if sent := h.sig.Sent(); len(sent) != 0 {
		t.Fatalf("interrupted leg must not signal:\n%s", spew.Sdump(sent))
	}
}

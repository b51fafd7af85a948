package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/rs/zerolog"
)

type eventKind int

const (
	// from the signaling channel
	evUserJoined eventKind = iota
	evOffer
	evAnswer
	evRemoteCandidate
	evRemoteEndCall

	// local control
	evHangup
	evSignalingLost
	evRoomJoined

	// from the connection of a particular leg
	evLocalCandidate
	evRemoteTrack
	evConnected
	evTransportFailed
	evTransportClosed
)

var eventNames = [...]string{
	"user_joined", "offer", "answer", "remote-candidate", "remote-end-call",
	"hangup", "signaling-lost", "room-joined",
	"local-candidate", "remote-track", "connected", "transport-failed", "transport-closed",
}

func (k eventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k eventKind) remote() bool { return k <= evRemoteEndCall }
func (k eventKind) local() bool  { return k >= evLocalCandidate }

func (k eventKind) terminal() bool {
	switch k {
	case evRemoteEndCall, evHangup, evSignalingLost, evRoomJoined, evTransportFailed, evTransportClosed:
		return true
	}
	return false
}

type event struct {
	kind      eventKind
	remote    model.SessionID
	room      model.RoomID
	leg       uint64
	desc      model.SessionDescription
	candidate model.ICECandidate
	track     Track
}

type handler func(m *machine, ctx context.Context, ev event) error

// leg is one pairing with a remote peer, from binding to Closed or Failed.
type leg struct {
	id     uint64
	remote model.SessionID
	room   model.RoomID
	role   Role

	ctx    context.Context
	cancel context.CancelFunc

	conn          Connection
	media         *mediaFuture
	attached      map[string]struct{}
	candidates    []model.ICECandidate
	remoteApplied bool
}

type machine struct {
	logger       zerolog.Logger
	transport    MediaTransport
	signaler     Signaler
	observer     Observer
	mediaTimeout time.Duration
	table        map[State]map[eventKind]handler

	// post feeds events back into the owner's mailbox
	post func(ev event)

	state State
	leg   *leg
	seq   uint64
	// room this peer was last admitted to
	room model.RoomID

	// shared with goroutines other than the owner
	mx           *sync.Mutex
	snap         Snapshot
	activeID     uint64
	activeRoom   model.RoomID
	activeCancel context.CancelFunc
}

func newMachine(logger zerolog.Logger, transport MediaTransport, signaler Signaler, observer Observer, mediaTimeout time.Duration) *machine {
	return &machine{
		logger:       logger,
		transport:    transport,
		signaler:     signaler,
		observer:     observer,
		mediaTimeout: mediaTimeout,
		table:        transitions(),
		post:         func(event) {},
		mx:           &sync.Mutex{},
	}
}

func ignore(*machine, context.Context, event) error { return nil }

// transitions is the complete state x event table. Pairs that are missing
// are illegal.
func transitions() map[State]map[eventKind]handler {
	idle := map[eventKind]handler{
		evUserJoined:    (*machine).startOffer,
		evOffer:         (*machine).startAnswer,
		evRemoteEndCall: ignore,
		evHangup:        (*machine).hangup,
		evSignalingLost: (*machine).signalingLost,
		evRoomJoined:    (*machine).roomJoined,
	}
	bound := func(extra map[eventKind]handler) map[eventKind]handler {
		h := map[eventKind]handler{
			evUserJoined:      ignore,
			evRemoteEndCall:   (*machine).remoteEndCall,
			evHangup:          (*machine).hangup,
			evSignalingLost:   (*machine).signalingLost,
			evRoomJoined:      (*machine).roomJoined,
			evLocalCandidate:  (*machine).localCandidate,
			evRemoteTrack:     (*machine).remoteTrack,
			evTransportFailed: (*machine).transportFailed,
			evTransportClosed: (*machine).transportClosed,
		}
		maps.Copy(h, extra)
		return h
	}

	return map[State]map[eventKind]handler{
		StateIdle:   idle,
		StateClosed: idle,
		StateFailed: idle,
		StateOffering: bound(map[eventKind]handler{
			evAnswer:          (*machine).applyAnswer,
			evRemoteCandidate: (*machine).remoteCandidate,
		}),
		StateAnswering: bound(map[eventKind]handler{
			evRemoteCandidate: (*machine).remoteCandidate,
		}),
		StateRemoteSet: bound(map[eventKind]handler{
			evRemoteCandidate: (*machine).remoteCandidate,
			evConnected:       (*machine).connected,
		}),
		StateConnected: bound(map[eventKind]handler{
			evRemoteCandidate: (*machine).remoteCandidate,
			evConnected:       ignore,
		}),
	}
}

func (m *machine) fire(ctx context.Context, ev event) error {
	switch {
	case ev.kind.local():
		if m.leg == nil || ev.leg != m.leg.id {
			m.logger.Trace().Stringer("event", ev.kind).Msg("stale connection event dropped")
			return nil
		}
	case ev.kind.remote() && m.leg != nil && ev.remote != m.leg.remote:
		return m.stranger(ev)
	}
	if m.leg != nil && m.leg.ctx.Err() != nil && !ev.kind.terminal() {
		m.logger.Debug().Stringer("event", ev.kind).Msg("leg is interrupted, event dropped")
		return nil
	}

	if h, ok := m.table[m.state][ev.kind]; ok {
		return h(m, ctx, ev)
	}
	if ev.kind.local() {
		m.logger.Debug().
			Stringer("event", ev.kind).
			Stringer("state", m.state).
			Msg("connection event ignored")
		return nil
	}

	err := fmt.Errorf("%w: %s in state %s", m.rejection(ev), ev.kind, m.state)
	m.fail(StateFailed, err)
	return err
}

// stranger handles signaling from a peer other than the bound remote. The
// current leg is never touched.
func (m *machine) stranger(ev event) error {
	switch ev.kind {
	case evUserJoined, evOffer:
		return fmt.Errorf("%w: bound to %s, %s from %s", ErrDuplicateBinding, m.leg.remote, ev.kind, ev.remote)
	case evRemoteEndCall:
		m.logger.Debug().Str("remote", string(ev.remote)).Msg("end-call from unbound peer ignored")
		return nil
	}
	return fmt.Errorf("%w: %s from unbound peer %s", m.rejection(ev), ev.kind, ev.remote)
}

func (m *machine) rejection(ev event) error {
	switch {
	case ev.kind == evAnswer:
		return ErrUnexpectedAnswer
	case m.leg == nil:
		return ErrNoNegotiation
	}
	return ErrProtocolViolation
}

func (m *machine) bind(ctx context.Context, remote model.SessionID, room model.RoomID, role Role, state State) *leg {
	m.seq++
	legCtx, cancel := context.WithCancel(ctx)
	if room == "" {
		room = m.room
	}
	l := &leg{
		id:       m.seq,
		remote:   remote,
		room:     room,
		role:     role,
		ctx:      legCtx,
		cancel:   cancel,
		attached: make(map[string]struct{}),
	}
	l.media = acquireMedia(legCtx, m.transport)
	m.leg = l

	m.mx.Lock()
	m.activeID, m.activeRoom, m.activeCancel = l.id, room, cancel
	m.snap.Role, m.snap.Remote = role, remote
	m.mx.Unlock()

	m.setState(state, remote, nil)
	return l
}

// interrupt cancels the in-flight operations of the current leg. It is
// safe to call from any goroutine. A zero id matches any leg.
func (m *machine) interrupt(id uint64) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.activeCancel != nil && (id == 0 || id == m.activeID) {
		m.activeCancel()
	}
}

func (m *machine) interruptRemote(remote model.SessionID) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.activeCancel != nil && m.snap.Remote == remote {
		m.activeCancel()
	}
}

// interruptRoom cancels the current leg when the peer was admitted to a room
// other than the one the leg was started in.
func (m *machine) interruptRoom(room model.RoomID) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.activeCancel != nil && m.activeRoom != "" && m.activeRoom != room {
		m.activeCancel()
	}
}

func (m *machine) snapshot() Snapshot {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.snap
}

func (m *machine) setState(s State, remote model.SessionID, cause error) {
	prev := m.state
	m.state = s
	m.mx.Lock()
	m.snap.State = s
	m.mx.Unlock()

	ev := m.logger.Debug()
	if cause != nil {
		ev = m.logger.Warn().Err(cause)
	}
	ev.Str("remote", string(remote)).
		Stringer("from", prev).
		Stringer("to", s).
		Msg("negotiation state changed")
	m.observer.OnStateChange(remote, s, cause)
}

// terminate ends the current leg. Every teardown path converges here and a
// second call is a no-op.
func (m *machine) terminate(next State, notify bool, cause error) {
	l := m.leg
	if l == nil {
		return
	}
	m.leg = nil

	m.mx.Lock()
	m.activeID, m.activeRoom, m.activeCancel = 0, "", nil
	m.snap.Role, m.snap.Remote = RoleNone, ""
	m.mx.Unlock()

	l.cancel()
	l.media.release()
	l.candidates = nil
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("unable to close peer connection")
		}
	}
	if notify {
		if err := m.signaler.Send(model.Message{Type: model.TypeEndCall, To: l.remote}); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(l.remote)).Msg("unable to send end-call")
		}
	}
	m.setState(next, l.remote, cause)
}

// abort fails the leg unless the error comes from an interruption, in which
// case the queued termination event does the cleanup.
func (m *machine) abort(l *leg, err error) error {
	if l.ctx.Err() != nil {
		m.logger.Debug().Err(err).Str("remote", string(l.remote)).Msg("negotiation step interrupted")
		return nil
	}
	err = errors.Join(ErrNegotiation, err)
	m.fail(StateFailed, err)
	return err
}

// fail ends the leg and tells the remote. The server takes that end-call as
// this peer leaving the room, so the peer joins it again to stay available
// for the next pairing.
func (m *machine) fail(next State, cause error) {
	l := m.leg
	if l == nil {
		return
	}
	m.terminate(next, true, cause)
	if l.room == "" {
		return
	}
	if err := m.signaler.Send(model.Message{Type: model.TypeJoinRoom, RoomID: l.room}); err != nil {
		m.logger.Warn().Err(err).Str("roomID", string(l.room)).Msg("unable to rejoin room")
	}
}

// prepare creates the connection and attaches local tracks once media is ready.
func (m *machine) prepare(l *leg) error {
	conn, err := m.transport.CreateConnection(l.ctx, legEvents{m: m, id: l.id})
	if err != nil {
		return err
	}
	l.conn = conn

	media, err := l.media.wait(l.ctx, m.mediaTimeout)
	if err != nil {
		return err
	}
	for _, t := range media.Tracks() {
		if _, ok := l.attached[t.ID()]; ok {
			continue
		}
		if err = l.conn.AttachTrack(t); err != nil {
			return fmt.Errorf("unable to attach %s track: %w", t.Kind(), err)
		}
		l.attached[t.ID()] = struct{}{}
	}
	return nil
}

func (m *machine) startOffer(ctx context.Context, ev event) error {
	l := m.bind(ctx, ev.remote, ev.room, RoleInitiator, StateOffering)
	if err := m.prepare(l); err != nil {
		return m.abort(l, err)
	}
	offer, err := l.conn.CreateOffer(l.ctx)
	if err != nil {
		return m.abort(l, err)
	}
	if err = l.conn.SetLocalDescription(l.ctx, offer); err != nil {
		return m.abort(l, err)
	}
	return m.emitDescription(l, model.TypeOffer, offer)
}

func (m *machine) startAnswer(ctx context.Context, ev event) error {
	l := m.bind(ctx, ev.remote, "", RoleResponder, StateAnswering)
	if err := m.prepare(l); err != nil {
		return m.abort(l, err)
	}
	if err := l.conn.SetRemoteDescription(l.ctx, ev.desc); err != nil {
		return m.abort(l, err)
	}
	m.remoteSet(l)

	answer, err := l.conn.CreateAnswer(l.ctx)
	if err != nil {
		return m.abort(l, err)
	}
	if err = l.conn.SetLocalDescription(l.ctx, answer); err != nil {
		return m.abort(l, err)
	}
	return m.emitDescription(l, model.TypeAnswer, answer)
}

func (m *machine) applyAnswer(_ context.Context, ev event) error {
	l := m.leg
	if err := l.conn.SetRemoteDescription(l.ctx, ev.desc); err != nil {
		return m.abort(l, err)
	}
	m.remoteSet(l)
	return nil
}

// remoteSet enters RemoteSet and applies buffered candidates in arrival order.
func (m *machine) remoteSet(l *leg) {
	l.remoteApplied = true
	m.setState(StateRemoteSet, l.remote, nil)

	queued := l.candidates
	l.candidates = nil
	for _, c := range queued {
		m.addCandidate(l, c)
	}
	if len(queued) > 0 {
		m.logger.Debug().Int("count", len(queued)).Msg("buffered candidates applied")
	}
}

func (m *machine) remoteCandidate(_ context.Context, ev event) error {
	l := m.leg
	if !l.remoteApplied {
		l.candidates = append(l.candidates, ev.candidate)
		return nil
	}
	m.addCandidate(l, ev.candidate)
	return nil
}

// addCandidate never fails the leg, a bad candidate only loses one path.
func (m *machine) addCandidate(l *leg, c model.ICECandidate) {
	if err := l.conn.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Str("remote", string(l.remote)).Msg("unable to add ice candidate")
	}
}

func (m *machine) localCandidate(_ context.Context, ev event) error {
	l := m.leg
	raw, err := json.Marshal(ev.candidate)
	if err != nil {
		return m.abort(l, err)
	}
	if err = m.signaler.Send(model.Message{
		Type:      model.TypeICECandidate,
		To:        l.remote,
		Candidate: raw,
	}); err != nil {
		m.logger.Warn().Err(err).Msg("unable to send ice candidate")
	}
	return nil
}

func (m *machine) remoteTrack(_ context.Context, ev event) error {
	m.logger.Debug().
		Str("remote", string(m.leg.remote)).
		Str("kind", ev.track.Kind()).
		Msg("remote track received")
	m.observer.OnRemoteTrack(m.leg.remote, ev.track)
	return nil
}

func (m *machine) connected(context.Context, event) error {
	m.setState(StateConnected, m.leg.remote, nil)
	return nil
}

func (m *machine) transportFailed(context.Context, event) error {
	m.fail(StateFailed, errors.Join(ErrNegotiation, ErrTransportFailed))
	return nil
}

func (m *machine) transportClosed(context.Context, event) error {
	m.fail(StateClosed, nil)
	return nil
}

// remoteEndCall closes the leg without telling the remote, it already knows.
func (m *machine) remoteEndCall(context.Context, event) error {
	m.terminate(StateClosed, false, nil)
	return nil
}

func (m *machine) signalingLost(context.Context, event) error {
	m.room = ""
	m.terminate(StateClosed, false, nil)
	return nil
}

// roomJoined records the room the server admitted this peer to. The bound
// remote is a member of the leg's room, so moving elsewhere ends the call
// there. The server has already told the old room.
func (m *machine) roomJoined(_ context.Context, ev event) error {
	m.room = ev.room
	l := m.leg
	switch {
	case l == nil:
	case l.room == "":
		l.room = ev.room
		m.mx.Lock()
		m.activeRoom = ev.room
		m.mx.Unlock()
	case l.room != ev.room:
		m.logger.Debug().
			Str("remote", string(l.remote)).
			Str("from", string(l.room)).
			Str("to", string(ev.room)).
			Msg("moved to another room, call closed")
		m.terminate(StateClosed, false, nil)
	}
	return nil
}

func (m *machine) hangup(context.Context, event) error {
	m.room = ""
	m.terminate(StateClosed, true, nil)
	if err := m.signaler.Send(model.Message{Type: model.TypeLeaveRoom}); err != nil {
		return fmt.Errorf("unable to leave room: %w", err)
	}
	return nil
}

func (m *machine) emitDescription(l *leg, typ string, desc model.SessionDescription) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return m.abort(l, err)
	}
	msg := model.Message{Type: typ, To: l.remote}
	if typ == model.TypeOffer {
		msg.Offer = raw
	} else {
		msg.Answer = raw
	}
	if err = m.signaler.Send(msg); err != nil {
		return m.abort(l, err)
	}
	return nil
}

// legEvents tags connection events with the leg that produced them, so
// events from a closed connection are recognized as stale.
type legEvents struct {
	m  *machine
	id uint64
}

func (e legEvents) OnICECandidate(c model.ICECandidate) {
	e.m.post(event{kind: evLocalCandidate, leg: e.id, candidate: c})
}

func (e legEvents) OnRemoteTrack(t Track) {
	e.m.post(event{kind: evRemoteTrack, leg: e.id, track: t})
}

func (e legEvents) OnConnectionStateChange(s ConnectionState) {
	switch s {
	case ConnectionStateConnected:
		e.m.post(event{kind: evConnected, leg: e.id})
	case ConnectionStateFailed:
		e.m.interrupt(e.id)
		e.m.post(event{kind: evTransportFailed, leg: e.id})
	case ConnectionStateClosed:
		e.m.interrupt(e.id)
		e.m.post(event{kind: evTransportClosed, leg: e.id})
	}
}

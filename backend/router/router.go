package router

import (
	"errors"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/session"
	"github.com/ARYANKSofficial/SoulLink/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultMaxRoomMembers = 2
)

var (
	ErrRoomIsFull    = errors.New("room is full")
	ErrNotLive       = errors.New("session is not live")
	ErrNotAMember    = errors.New("session is not a member of this room")
	ErrMissingTarget = errors.New("signal has no target")
	ErrNotASignal    = errors.New("message is not a peer signal")
)

type (
	Sessions interface {
		IsLive(id model.SessionID) bool
		Deliver(id model.SessionID, msg model.Message) error
		Unregister(id model.SessionID) bool
	}

	RoomStore interface {
		Join(sessionID model.SessionID, roomID model.RoomID, admit memory.AdmitFunc) ([]model.SessionID, error)
		MembersOf(roomID model.RoomID) []model.SessionID
		RoomOf(sessionID model.SessionID) (model.RoomID, bool)
	}

	Terminator interface {
		EndCall(from, to model.SessionID)
		LeaveRoom(id model.SessionID)
	}

	Config struct {
		Logger     *zerolog.Logger
		Sessions   Sessions
		RoomStore  RoomStore
		Terminator Terminator

		// MaxRoomMembers caps room size; zero disables the cap.
		MaxRoomMembers int
	}

	// Router is addressed delivery plus room membership side effects. It
	// keeps no negotiation state. Nothing is forwarded from a separate
	// goroutine, so messages from one sender reach a target in order.
	Router struct {
		logger     zerolog.Logger
		sessions   Sessions
		store      RoomStore
		term       Terminator
		maxMembers int
	}
)

func NewRouter(cfg Config) *Router {
	maxMembers := cfg.MaxRoomMembers
	if maxMembers < 0 {
		maxMembers = defaultMaxRoomMembers
	}
	return &Router{
		logger:     cfg.Logger.With().Str("component", "router").Logger(),
		sessions:   cfg.Sessions,
		store:      cfg.RoomStore,
		term:       cfg.Terminator,
		maxMembers: maxMembers,
	}
}

func (r *Router) admit(prior []model.SessionID) error {
	if r.maxMembers > 0 && len(prior) >= r.maxMembers {
		return ErrRoomIsFull
	}
	return nil
}

// OnJoinRoom adds the session to the room and notifies every prior member
// with user_joined. The notified member becomes the initiator.
func (r *Router) OnJoinRoom(id model.SessionID, roomID model.RoomID) error {
	logger := r.logger.With().
		Str("sessionID", string(id)).
		Str("roomID", string(roomID)).
		Logger()

	if !r.sessions.IsLive(id) {
		return ErrNotLive
	}
	if roomID == "" {
		return memory.ErrEmptyRoomID
	}
	if current, ok := r.store.RoomOf(id); ok && current != roomID {
		// a rejected move keeps the session where it is
		if err := r.admit(r.store.MembersOf(roomID)); err != nil {
			return err
		}
		r.term.LeaveRoom(id)
	}

	prior, err := r.store.Join(id, roomID, r.admit)
	if err != nil {
		if errors.Is(err, memory.ErrAlreadyMember) {
			logger.Debug().Msg("session is already a member, nothing to announce")
			return nil
		}
		return err
	}
	logger.Debug().Int("prior", len(prior)).Msg("session joined room")

	r.deliver(model.Message{
		Type:   model.TypeRoomJoined,
		RoomID: roomID,
		To:     id,
	}, &logger)

	for _, member := range prior {
		r.deliver(model.Message{
			Type:      model.TypeUserJoined,
			RoomID:    roomID,
			SessionID: id,
			To:        member,
		}, &logger)
	}
	return nil
}

// OnLeaveRoom hands the session to the termination coordinator.
func (r *Router) OnLeaveRoom(id model.SessionID) {
	r.term.LeaveRoom(id)
}

// OnSignal forwards a peer signal verbatim to its target. A target that is
// no longer live is an expected race, the signal is dropped.
func (r *Router) OnSignal(msg model.Message) (bool, error) {
	if !msg.IsSignal() {
		return false, ErrNotASignal
	}
	if msg.To == "" {
		return false, ErrMissingTarget
	}

	logger := r.logger.With().
		Str("type", msg.Type).
		Str("src", string(msg.From)).
		Str("dst", string(msg.To)).
		Logger()

	sent := r.deliver(msg, &logger)
	if msg.Type == model.TypeEndCall {
		r.term.EndCall(msg.From, msg.To)
	}
	return sent, nil
}

// BroadcastToRoom delivers msg to every member of the room, sender included.
// The payload is not interpreted.
func (r *Router) BroadcastToRoom(roomID model.RoomID, msg model.Message) int {
	var sent int
	msg.RoomID = roomID
	for _, member := range r.store.MembersOf(roomID) {
		msg.To = member
		if r.deliver(msg, &r.logger) {
			sent++
		}
	}
	if sent == 0 {
		r.logger.Debug().
			Str("roomID", string(roomID)).
			Str("type", msg.Type).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// OnDisconnect unregisters the session. The registry runs the termination
// coordinator before this returns.
func (r *Router) OnDisconnect(id model.SessionID) {
	if r.sessions.Unregister(id) {
		r.logger.Debug().Str("sessionID", string(id)).Msg("session disconnected")
	}
}

// Reply sends a server generated message back to a session.
func (r *Router) Reply(id model.SessionID, msg model.Message) bool {
	msg.To = id
	return r.deliver(msg, &r.logger)
}

func (r *Router) deliver(msg model.Message, logger *zerolog.Logger) bool {
	err := r.sessions.Deliver(msg.To, msg)
	switch {
	case err == nil:
		logger.Trace().Str("dst", string(msg.To)).Str("type", msg.Type).Msg("message is forwarded")
		return true
	case errors.Is(err, session.ErrNotLive):
		logger.Debug().Str("dst", string(msg.To)).Str("type", msg.Type).Msg("cannot forward, dst not found")
	default:
		logger.Error().Err(err).Str("dst", string(msg.To)).Str("type", msg.Type).Msg("failed to forward")
	}
	return false
}

package service

import (
	"context"
	"errors"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/router"
	"github.com/ARYANKSofficial/SoulLink/backend/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrConnect     = errors.New("unable to connect")
	ErrJoin        = errors.New("unable to join room")
	ErrUnknownType = errors.New("unknown message type")
	ErrNoRoom      = errors.New("session is not in a room")
	ErrMalformed   = errors.New("malformed message")
)

type (
	Sessions interface {
		Register() (model.SessionID, <-chan model.Message, error)
	}

	Router interface {
		OnJoinRoom(id model.SessionID, roomID model.RoomID) error
		OnLeaveRoom(id model.SessionID)
		OnSignal(msg model.Message) (bool, error)
		BroadcastToRoom(roomID model.RoomID, msg model.Message) int
		OnDisconnect(id model.SessionID)
		Reply(id model.SessionID, msg model.Message) bool
	}

	RoomStore interface {
		RoomOf(sessionID model.SessionID) (model.RoomID, bool)
		GetRoom(roomID model.RoomID) (*model.Room, bool)
	}

	Service struct {
		sessions Sessions
		router   Router
		store    RoomStore
		logger   zerolog.Logger
	}

	Config struct {
		Sessions  Sessions
		Router    Router
		RoomStore RoomStore
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sessions: cfg.Sessions,
		router:   cfg.Router,
		store:    cfg.RoomStore,
		logger:   cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// CreateSignalingSession registers a new transport connection and tells the
// client which identity it was assigned.
func (svc *Service) CreateSignalingSession(_ context.Context) (model.SessionID, <-chan model.Message, error) {
	id, tx, err := svc.sessions.Register()
	if err != nil {
		return "", nil, errors.Join(ErrConnect, err)
	}
	svc.router.Reply(id, model.Message{
		Type:      model.TypeSession,
		SessionID: id,
	})
	svc.logger.Debug().
		Str("sessionID", string(id)).
		Msg("signaling session connected")
	return id, tx, nil
}

func (svc *Service) DeleteSignalingSession(_ context.Context, id model.SessionID) error {
	svc.router.OnDisconnect(id)
	svc.logger.Debug().
		Str("sessionID", string(id)).
		Msg("signaling session deleted")
	return nil
}

// HandleMessage dispatches one inbound message. It is called from the
// session's reader goroutine, which keeps per-sender ordering intact.
func (svc *Service) HandleMessage(_ context.Context, id model.SessionID, msg model.Message) {
	msg.From = id
	logger := svc.logger.With().
		Str("sessionID", string(id)).
		Str("type", msg.Type).
		Logger()

	switch msg.Type {
	case model.TypeJoinRoom:
		if err := svc.router.OnJoinRoom(id, msg.RoomID); err != nil {
			logger.Warn().Err(err).Str("roomID", string(msg.RoomID)).Msg("join rejected")
			svc.reject(id, errors.Join(ErrJoin, err))
		}

	case model.TypeLeaveRoom:
		svc.router.OnLeaveRoom(id)

	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate, model.TypeEndCall:
		if _, err := svc.router.OnSignal(msg); err != nil {
			logger.Warn().Err(err).Msg("signal rejected")
			svc.reject(id, err)
		}

	case model.TypeSendMessage:
		roomID, ok := svc.store.RoomOf(id)
		if !ok {
			svc.reject(id, ErrNoRoom)
			return
		}
		if msg.RoomID != "" && msg.RoomID != roomID {
			svc.reject(id, router.ErrNotAMember)
			return
		}
		svc.router.BroadcastToRoom(roomID, model.Message{
			Type:    model.TypeReceiveMessage,
			From:    id,
			Payload: msg.Payload,
		})

	default:
		logger.Warn().Msg("unknown message type")
		svc.reject(id, ErrUnknownType)
	}
}

// RejectMessage reports an inbound message that could not be decoded.
func (svc *Service) RejectMessage(_ context.Context, id model.SessionID, err error) {
	svc.logger.Warn().Err(err).Str("sessionID", string(id)).Msg("malformed message")
	svc.reject(id, errors.Join(ErrMalformed, err))
}

func (svc *Service) GetRoom(roomID model.RoomID) (*model.Room, error) {
	room, ok := svc.store.GetRoom(roomID)
	if !ok {
		return nil, memory.ErrRoomNotFound
	}
	return room, nil
}

func (svc *Service) reject(id model.SessionID, err error) {
	svc.router.Reply(id, model.NewErrorMessage(id, err))
}

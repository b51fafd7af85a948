package termination

import (
	"errors"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/session"
	"github.com/rs/zerolog"
)

type (
	RoomStore interface {
		Leave(sessionID model.SessionID) (model.RoomID, []model.SessionID, bool)
	}

	Sessions interface {
		Deliver(id model.SessionID, msg model.Message) error
	}

	Config struct {
		Logger    *zerolog.Logger
		RoomStore RoomStore
		Sessions  Sessions
	}

	// Coordinator tears down room membership and tells the remaining members
	// that the call is over. Explicit end-call, leave and disconnect all
	// converge on the same idempotent routine.
	Coordinator struct {
		logger   zerolog.Logger
		store    RoomStore
		sessions Sessions
	}
)

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		logger:   cfg.Logger.With().Str("component", "termination").Logger(),
		store:    cfg.RoomStore,
		sessions: cfg.Sessions,
	}
}

// EndCall runs after an end-call from -> to has been relayed. The target
// already knows, so only other remaining members are notified.
func (c *Coordinator) EndCall(from, to model.SessionID) {
	c.teardown(from, to, "end-call")
}

func (c *Coordinator) LeaveRoom(id model.SessionID) {
	c.teardown(id, "", "leave")
}

// Release is the connection registry hook for disconnected sessions. A
// disconnect is an implicit end-call toward every remaining member.
func (c *Coordinator) Release(id model.SessionID) {
	c.teardown(id, "", "disconnect")
}

func (c *Coordinator) teardown(id, notified model.SessionID, reason string) {
	roomID, remaining, ok := c.store.Leave(id)
	if !ok {
		return
	}
	logger := c.logger.With().
		Str("sessionID", string(id)).
		Str("roomID", string(roomID)).
		Str("reason", reason).
		Logger()
	logger.Debug().Int("remaining", len(remaining)).Msg("session left room")

	for _, member := range remaining {
		if member == notified {
			continue
		}
		err := c.sessions.Deliver(member, model.Message{
			Type:   model.TypeEndCall,
			RoomID: roomID,
			From:   id,
			To:     member,
		})
		switch {
		case err == nil:
			logger.Debug().Str("dst", string(member)).Msg("end-call delivered")
		case errors.Is(err, session.ErrNotLive):
			logger.Debug().Str("dst", string(member)).Msg("end-call dropped, member is gone")
		default:
			logger.Error().Err(err).Str("dst", string(member)).Msg("failed to deliver end-call")
		}
	}
}

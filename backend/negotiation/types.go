package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
)

var (
	ErrNegotiation       = errors.New("negotiation failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrMediaTimeout      = errors.New("local media is not ready in time")
	ErrTransportFailed   = errors.New("peer connection failed")

	ErrDuplicateBinding = fmt.Errorf("%w: already negotiating with another peer", ErrProtocolViolation)
	ErrUnexpectedAnswer = fmt.Errorf("%w: unexpected answer", ErrProtocolViolation)
	ErrNoNegotiation    = fmt.Errorf("%w: no negotiation in progress", ErrProtocolViolation)
)

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateRemoteSet
	StateConnected
	StateClosed
	StateFailed
)

var stateNames = [...]string{"idle", "offering", "answering", "remote-set", "connected", "closed", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "none"
}

type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

type (
	Track interface {
		ID() string
		Kind() string
	}

	// LocalMedia is an acquired capture stream. Stop releases the devices.
	LocalMedia interface {
		Tracks() []Track
		Stop()
	}

	// ConnectionEvents are raised by the transport from its own goroutines.
	ConnectionEvents interface {
		OnICECandidate(c model.ICECandidate)
		OnRemoteTrack(t Track)
		OnConnectionStateChange(s ConnectionState)
	}

	Connection interface {
		AttachTrack(t Track) error
		CreateOffer(ctx context.Context) (model.SessionDescription, error)
		CreateAnswer(ctx context.Context) (model.SessionDescription, error)
		SetLocalDescription(ctx context.Context, desc model.SessionDescription) error
		SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error
		AddICECandidate(c model.ICECandidate) error
		Close() error
	}

	// MediaTransport is everything the negotiator needs from a media stack.
	MediaTransport interface {
		AcquireLocalMedia(ctx context.Context) (LocalMedia, error)
		CreateConnection(ctx context.Context, events ConnectionEvents) (Connection, error)
	}

	Signaler interface {
		Send(msg model.Message) error
	}

	// Observer callbacks run on the negotiator goroutine and must not block.
	Observer interface {
		OnStateChange(remote model.SessionID, state State, err error)
		OnRemoteTrack(remote model.SessionID, t Track)
		OnRejected(remote model.SessionID, err error)
	}

	Snapshot struct {
		State  State
		Role   Role
		Remote model.SessionID
	}
)

type nopObserver struct{}

func (nopObserver) OnStateChange(model.SessionID, State, error) {}
func (nopObserver) OnRemoteTrack(model.SessionID, Track)        {}
func (nopObserver) OnRejected(model.SessionID, error)           {}

package model

import (
	"encoding/json"
)

type (
	SessionID string
	RoomID    string
)

type Room struct {
	ID      RoomID      `json:"room_id"`
	Members []SessionID `json:"members"`
}

// Message types exchanged over the signaling transport.
const (
	TypeSession        = "session"
	TypeJoinRoom       = "join_room"
	TypeRoomJoined     = "room_joined"
	TypeUserJoined     = "user_joined"
	TypeLeaveRoom      = "leave_room"
	TypeOffer          = "offer"
	TypeAnswer         = "answer"
	TypeICECandidate   = "ice-candidate"
	TypeEndCall        = "end-call"
	TypeSendMessage    = "send_message"
	TypeReceiveMessage = "receive_message"
	TypeError          = "error"
)

// Message is the signaling envelope. Offer, Answer and Candidate are kept
// as raw JSON so the server relays them without interpretation.
type Message struct {
	Type      string          `json:"type"`
	RoomID    RoomID          `json:"roomId,omitempty"`
	SessionID SessionID       `json:"sessionId,omitempty"`
	To        SessionID       `json:"to,omitempty"`
	From      SessionID       `json:"from,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// IsSignal reports whether the message is addressed peer-to-peer traffic.
func (m *Message) IsSignal() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
		return true
	}
	return false
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func NewErrorMessage(to SessionID, err error) Message {
	return Message{
		Type:  TypeError,
		To:    to,
		Error: err.Error(),
	}
}

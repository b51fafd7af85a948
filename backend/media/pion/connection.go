package pion

import (
	"context"
	"errors"
	"fmt"

	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/negotiation"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrForeignTrack       = errors.New("track was not produced by this transport")
	ErrInvalidDescription = errors.New("invalid session description")
)

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t remoteTrack) ID() string   { return t.track.ID() }
func (t remoteTrack) Kind() string { return t.track.Kind().String() }

type connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
}

func newConnection(pc *webrtc.PeerConnection, events negotiation.ConnectionEvents, logger *zerolog.Logger) *connection {
	c := &connection{
		pc:     pc,
		logger: logger.With().Str("component", "peer-connection").Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// gathering complete
			return
		}
		init := cand.ToJSON()
		events.OnICECandidate(model.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		events.OnRemoteTrack(remoteTrack{track})
		go c.drain(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("state", s.String()).Msg("peer connection state changed")
		events.OnConnectionStateChange(connectionState(s))
	})
	return c
}

// drain consumes remote RTP so interceptors keep working. Nothing renders it.
func (c *connection) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func connectionState(s webrtc.PeerConnectionState) negotiation.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnectionStateClosed
	}
	return negotiation.ConnectionStateNew
}

func (c *connection) AttachTrack(t negotiation.Track) error {
	lt, ok := t.(localTrack)
	if !ok {
		return ErrForeignTrack
	}
	sender, err := c.pc.AddTrack(lt.track)
	if err != nil {
		return err
	}
	go func() {
		// RTCP has to be read for interceptors to run
		buf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(buf); rtcpErr != nil {
				return
			}
		}
	}()
	return nil
}

func (c *connection) CreateOffer(ctx context.Context) (model.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return model.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *connection) CreateAnswer(ctx context.Context) (model.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return model.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return model.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *connection) SetLocalDescription(ctx context.Context, desc model.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *connection) SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.inspect(desc); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

// inspect rejects descriptions that cannot carry a call before pion gets them.
func (c *connection) inspect(desc model.SessionDescription) error {
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return errors.Join(ErrInvalidDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: %s without media sections", ErrInvalidDescription, desc.Type)
	}

	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	c.logger.Debug().
		Str("type", desc.Type).
		Strs("media", kinds).
		Msg("remote description accepted")
	return nil
}

func (c *connection) AddICECandidate(cand model.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *connection) Close() error {
	return c.pc.Close()
}

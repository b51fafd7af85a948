package pion

import (
	"context"
	"sync"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/negotiation"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

const (
	audioFrameDuration = 20 * time.Millisecond
)

// opusSilence is a single opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type localTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (t localTrack) ID() string   { return t.track.ID() }
func (t localTrack) Kind() string { return t.track.Kind().String() }

// syntheticMedia stands in for capture devices on headless peers: an opus
// track fed with silence and a video track without frames.
type syntheticMedia struct {
	tracks []negotiation.Track
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func newSyntheticMedia(logger *zerolog.Logger) (*syntheticMedia, error) {
	streamID := "soullink-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &syntheticMedia{
		tracks: []negotiation.Track{localTrack{audio}, localTrack{video}},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.feedSilence(ctx, audio, logger)
	return m, nil
}

func (m *syntheticMedia) feedSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample, logger *zerolog.Logger) {
	defer close(m.done)
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration}); err != nil {
				logger.Debug().Err(err).Msg("unable to write audio sample")
				return
			}
		}
	}
}

func (m *syntheticMedia) Tracks() []negotiation.Track { return m.tracks }

func (m *syntheticMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		<-m.done
	})
}

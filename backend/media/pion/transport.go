package pion

import (
	"context"
	"errors"

	"github.com/ARYANKSofficial/SoulLink/backend/negotiation"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrAPI = errors.New("unable to build webrtc api")
)

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []webrtc.ICEServer

	// NetworkTypes restricts candidate gathering, all types when empty.
	NetworkTypes []webrtc.NetworkType
	// IncludeLoopback gathers 127.0.0.1 host candidates, for peers on one host.
	IncludeLoopback bool
}

// Transport implements negotiation.MediaTransport on pion.
type Transport struct {
	logger zerolog.Logger
	api    *webrtc.API
	rtc    webrtc.Configuration
}

func NewTransport(cfg Config) (*Transport, error) {
	logger := cfg.Logger.With().Str("component", "media").Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Join(ErrAPI, err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Join(ErrAPI, err)
	}

	settings := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(logger.With().Str("component", "pion").Logger()),
	}
	if len(cfg.NetworkTypes) > 0 {
		settings.SetNetworkTypes(cfg.NetworkTypes)
	}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Transport{
		logger: logger,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settings),
		),
		rtc: webrtc.Configuration{ICEServers: cfg.ICEServers},
	}, nil
}

// ICEServers builds the ICE configuration. TURN entries share one set of
// credentials.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

func (t *Transport) AcquireLocalMedia(ctx context.Context) (negotiation.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSyntheticMedia(&t.logger)
}

func (t *Transport) CreateConnection(ctx context.Context, events negotiation.ConnectionEvents) (negotiation.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := t.api.NewPeerConnection(t.rtc)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, events, &t.logger), nil
}

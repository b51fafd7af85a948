package main

import (
	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/negotiation"
	"github.com/rs/zerolog"
)

type observer struct {
	logger zerolog.Logger
}

func (o *observer) OnStateChange(remote model.SessionID, state negotiation.State, err error) {
	ev := o.logger.Info()
	if err != nil {
		ev = o.logger.Error().Err(err)
	}
	ev.Str("remote", string(remote)).Stringer("state", state).Msg("call state changed")
}

func (o *observer) OnRemoteTrack(remote model.SessionID, t negotiation.Track) {
	o.logger.Info().
		Str("remote", string(remote)).
		Str("track", t.ID()).
		Str("kind", t.Kind()).
		Msg("receiving remote media")
}

func (o *observer) OnRejected(remote model.SessionID, err error) {
	o.logger.Warn().Err(err).Str("remote", string(remote)).Msg("ignored peer message")
}

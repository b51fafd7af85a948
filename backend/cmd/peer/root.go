package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ARYANKSofficial/SoulLink/backend/client"
	"github.com/ARYANKSofficial/SoulLink/backend/config"
	"github.com/ARYANKSofficial/SoulLink/backend/logging"
	"github.com/ARYANKSofficial/SoulLink/backend/media/pion"
	"github.com/ARYANKSofficial/SoulLink/backend/model"
	"github.com/ARYANKSofficial/SoulLink/backend/negotiation"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const hangupGrace = 500 * time.Millisecond

var errSignalingLost = errors.New("signaling connection lost")

func newRootCmd() *cobra.Command {
	cfg := &config.Peer{}
	cmd := &cobra.Command{
		Use:   "soullink-peer [room]",
		Short: "Join a SoulLink room and place a WebRTC call with whoever is there",
		Long: `soullink-peer connects to a SoulLink signaling server, joins a room and
negotiates a call with the other member. Synthetic audio and video are sent.

Examples:
  soullink-peer love-nest
  soullink-peer --room love-nest --codec msgpack --turn turn:turn.example:3478`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !cmd.Flags().Changed("room") {
				cfg.Room = args[0]
			}
			if err := cfg.Resolve(cmd.Flags(), os.Getenv); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

func run(parent context.Context, cfg *config.Peer) error {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, lvl, true)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := pion.NewTransport(pion.Config{
		Logger:          &logger,
		ICEServers:      pion.ICEServers(cfg.STUNServers, cfg.TURNServers, cfg.TURNUsername, cfg.TURNCredential),
		IncludeLoopback: cfg.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	sc, err := client.Dial(ctx, client.Config{Logger: &logger, URL: cfg.ServerURL, Codec: cfg.Codec})
	if err != nil {
		return err
	}
	defer sc.Close()

	neg := negotiation.NewNegotiator(negotiation.Config{
		Logger:       &logger,
		Transport:    transport,
		Signaler:     sc,
		Observer:     &observer{logger: logger},
		MediaTimeout: cfg.MediaTimeout,
	})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		neg.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return pump(sc, neg, &logger)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ctx.Done():
		}
		logger.Info().Msg("hanging up")
		neg.Hangup()
		select {
		case <-gctx.Done():
		case <-time.After(hangupGrace):
		}
		sc.Close()
		return nil
	})

	if err = sc.Send(model.Message{Type: model.TypeJoinRoom, RoomID: model.RoomID(cfg.Room)}); err != nil {
		sc.Close()
	}
	if err = g.Wait(); errors.Is(err, errSignalingLost) && ctx.Err() != nil {
		return nil
	}
	return err
}

// pump feeds server messages to the negotiator until the connection is gone.
func pump(sc *client.Client, neg *negotiation.Negotiator, logger *zerolog.Logger) error {
	for msg := range sc.Incoming() {
		switch msg.Type {
		case model.TypeSession:
			logger.Info().Str("session", string(msg.SessionID)).Msg("connected to signaling server")
		case model.TypeRoomJoined:
			logger.Info().Str("room", string(msg.RoomID)).Msg("joined room, waiting for a partner")
		case model.TypeReceiveMessage:
			logger.Info().Str("from", string(msg.From)).Str("payload", string(msg.Payload)).Msg("chat")
		case model.TypeError:
			logger.Error().Str("error", msg.Error).Msg("server rejected a message")
		}
		if err := neg.HandleMessage(msg); err != nil {
			logger.Warn().Err(err).Str("type", msg.Type).Msg("dropped message")
		}
	}
	neg.SignalingLost()
	return errSignalingLost
}

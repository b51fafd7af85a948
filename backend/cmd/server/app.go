package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ARYANKSofficial/SoulLink/backend/config"
	"github.com/ARYANKSofficial/SoulLink/backend/logging"
	"github.com/ARYANKSofficial/SoulLink/backend/router"
	httpServer "github.com/ARYANKSofficial/SoulLink/backend/server/http"
	websocketServer "github.com/ARYANKSofficial/SoulLink/backend/server/websocket"
	"github.com/ARYANKSofficial/SoulLink/backend/service"
	"github.com/ARYANKSofficial/SoulLink/backend/session"
	store "github.com/ARYANKSofficial/SoulLink/backend/storage/memory"
	"github.com/ARYANKSofficial/SoulLink/backend/termination"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:], os.Getenv)
	if err != nil {
		logger := logging.New(os.Stdout, zerolog.InfoLevel, false)
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogConsole)

	var (
		registry = session.NewRegistry(session.Config{
			Logger:    &logger,
			QueueSize: cfg.OutboundQueueSize,
		})
		rooms = store.NewRoomStore()
		coord = termination.NewCoordinator(termination.Config{
			Logger:    &logger,
			RoomStore: rooms,
			Sessions:  registry,
		})
	)
	registry.OnRelease(coord.Release)

	svc := service.NewService(service.Config{
		Sessions: registry,
		Router: router.NewRouter(router.Config{
			Logger:         &logger,
			Sessions:       registry,
			RoomStore:      rooms,
			Terminator:     coord,
			MaxRoomMembers: cfg.MaxRoomMembers,
		}),
		RoomStore: rooms,
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RoomService:   svc,
		ListenAddr:    cfg.APIListenAddr,
		AllowedOrigin: cfg.ClientURL,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		AllowedOrigin:    cfg.ClientURL,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	logger.Info().Int("sessions", registry.Len()).Msg("stopped")
}

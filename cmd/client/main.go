package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/ndemidov/Huddle/internal/adapters/http"
	"github.com/ndemidov/Huddle/internal/call"
	"github.com/ndemidov/Huddle/internal/config"
	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
	"github.com/ndemidov/Huddle/internal/media"
	"github.com/ndemidov/Huddle/internal/rtc"
	"github.com/ndemidov/Huddle/internal/signaling"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	engine, err := media.NewEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("media engine init failed")
	}

	transport, err := signaling.Dial(ctx, cfg.SignalingURL, cfg.ReadLimit, cfg.PingPeriod)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.SignalingURL).Msg("signaling dial failed")
	}
	defer transport.Close()

	user, err := domain.NewUser(cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid username")
	}
	self := *user
	rtcConfig := rtc.DefaultConfig(cfg.ICEServers)
	links := core.LinkFactory(func(peer domain.PeerID) (core.MediaConnection, error) {
		return rtc.NewPeerLink(engine.API(), rtcConfig, peer)
	})

	peerCall := call.NewPeerCall(ctx, transport, links, engine.Acquire, self)
	defer peerCall.Close()
	roomCall := call.NewRoomCall(ctx, transport, links, engine.Acquire, self, call.RoomConfig{
		SettleWindow: cfg.SettleWindow,
		RetryMin:     cfg.RetryMin,
		RetryMax:     cfg.RetryMax,
	})
	defer roomCall.Close()

	r := router.SetupRouter(cfg, peerCall, roomCall)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(self.ID)).Msg("Huddle client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	peerCall.EndCall()
	roomCall.LeaveRoom()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}

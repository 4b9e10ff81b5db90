package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lifedeck/lifedeck/internal/config"
	"github.com/lifedeck/lifedeck/internal/configcache"
	"github.com/lifedeck/lifedeck/internal/console"
	"github.com/lifedeck/lifedeck/internal/gateway"
	"github.com/lifedeck/lifedeck/internal/infrastructure/redis"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment")
	}

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identityPath := filepath.Join(config.GetStateDir(), "device.json")
	identity, err := gateway.LoadOrCreateIdentity(identityPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", identityPath).Msg("Failed to load device identity")
	}
	log.Info().Str("deviceId", identity.DeviceID()).Msg("Device identity ready")

	store := configcache.NewStore(redis.NewService())
	resolver := gateway.NewResolver(config.GetBackendConfigURL(), config.GetOperatorToken(), store)
	client := gateway.NewClient(resolver, identity, gateway.Options{}, log.Logger)

	go func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Gateway client stopped")
			stop()
		}
	}()

	svc := console.NewService(client)
	srv := &http.Server{
		Addr:    config.GetListenAddr(),
		Handler: console.NewRouter(svc),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("Console listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ListenAndServe error")
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(config.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

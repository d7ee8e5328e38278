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

	"github.com/dkeye/Chaos/internal/config"
	"github.com/dkeye/Chaos/internal/relay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var dir relay.Directory = relay.NewMemoryDirectory()
	if cfg.Relay.RedisAddr != "" {
		client, err := relay.ConnectRedis(ctx, cfg.Relay.RedisAddr, cfg.Relay.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer client.Close()
		dir = relay.NewRedisDirectory(client, cfg.Relay.PresenceTTL)
		log.Info().Str("addr", cfg.Relay.RedisAddr).Msg("Redis connection established")
	}

	server := relay.NewServer(dir, relay.Options{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		CallsPerMin: cfg.Relay.CallsPerMin,
	})
	addr := fmt.Sprintf(":%d", cfg.Relay.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: relay.NewRouter(server, cfg.Mode),
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Chaos relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	server.Close()
	log.Info().Msg("Relay exited gracefully")
}

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
	"github.com/sourcegraph/conc"

	router "github.com/dkeye/Chaos/internal/adapters/http"
	"github.com/dkeye/Chaos/internal/adapters/rtc"
	signaling "github.com/dkeye/Chaos/internal/adapters/signal"
	"github.com/dkeye/Chaos/internal/app/peer"
	"github.com/dkeye/Chaos/internal/app/sched"
	"github.com/dkeye/Chaos/internal/config"
	"github.com/dkeye/Chaos/internal/core"
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
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	scheduler := sched.New()

	link := signaling.NewWSLink(cfg.Signal.RelayURL, signaling.LinkOptions{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		ReconnectDelay: cfg.Signal.ReconnectDelay,
	})
	coupler := signaling.NewCoupler(scheduler.Attach(core.ComponentCoupler), link)

	engine := rtc.NewEngine(rtc.ConfigFromICE(cfg.RTC.ICEServers))
	orchestrator := peer.New(scheduler.Attach(core.ComponentPeer), engine, peer.Options{
		ChannelLabel:  cfg.RTC.ChannelLabel,
		GatherTimeout: cfg.RTC.GatherTimeout,
	})

	presenter := router.NewPresenter(scheduler.Attach(core.ComponentPresentation))
	r := router.SetupRouter(ctx, cfg, presenter)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Any component stopping takes the rest down with it.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	run := func(name string, fn func(context.Context) error) func() {
		return func() {
			defer stop()
			if err := fn(runCtx); err != nil {
				log.Error().Err(err).Str("component", name).Msg("component failed")
				return
			}
			log.Info().Str("component", name).Msg("component stopped")
		}
	}

	var wg conc.WaitGroup
	wg.Go(run("scheduler", scheduler.Run))
	wg.Go(run("coupler", coupler.Run))
	wg.Go(run("peer", orchestrator.Run))
	wg.Go(run("presentation", presenter.Run))

	go func() {
		log.Info().Str("addr", addr).Str("relay", cfg.Signal.RelayURL).Msg("Chaos client started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-runCtx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	wg.Wait()
	log.Info().Msg("Client exited gracefully")
}

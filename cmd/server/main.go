package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Interpreter/internal/adapters/callauto"
	"github.com/dkeye/Interpreter/internal/adapters/engine"
	router "github.com/dkeye/Interpreter/internal/adapters/http"
	"github.com/dkeye/Interpreter/internal/app"
	"github.com/dkeye/Interpreter/internal/app/orch"
	"github.com/dkeye/Interpreter/internal/app/supervise"
	"github.com/dkeye/Interpreter/internal/config"
	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/dkeye/Interpreter/internal/metrics"
)

func setupLogger(cfg config.LogConfig) {
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	calls, err := callauto.NewClient(callauto.Config{
		Endpoint:   cfg.CallAutomation.Endpoint,
		AccessKey:  cfg.CallAutomation.AccessKey,
		APIVersion: cfg.CallAutomation.APIVersion,
		Timeout:    cfg.CallAutomation.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("call automation client")
	}
	realtime := engine.NewRealtime(engine.Config{
		URL:         cfg.Engine.URL,
		APIKey:      cfg.Engine.APIKey,
		Deployment:  cfg.Engine.Deployment,
		Voice:       cfg.Engine.Voice,
		DialTimeout: cfg.Engine.DialTimeout,
	})

	reg := app.NewSessionRegistry()
	m := metrics.New()
	o := orch.New(reg, realtime, calls, app.PolicyFromName(cfg.Backpressure.Policy), m, orch.Options{
		Segmenter: app.SegmenterConfig{
			MaxBytes:         cfg.Segmenter.MaxBytes,
			MaxDuration:      cfg.Segmenter.MaxDuration,
			SilenceHold:      cfg.Segmenter.SilenceHold,
			SilenceThreshold: cfg.Segmenter.SilenceThreshold,
			SampleRate:       cfg.Audio.SampleRate,
			BytesPerSample:   cfg.Audio.BytesPerSample,
		},
		Invoker: app.InvokerConfig{
			QueueSize: cfg.Invoker.QueueSize,
			StopGrace: cfg.Invoker.StopGrace,
		},
		DefaultLanguages: domain.Languages{Source: cfg.Languages.Source, Target: cfg.Languages.Target},
		Bot: core.ParticipantRef{
			RawID:       cfg.CallAutomation.BotParticipant,
			DisplayName: cfg.CallAutomation.BotName,
		},
		CallbackURI:   cfg.CallAutomation.CallbackURI,
		MediaURI:      cfg.CallAutomation.MediaWSURI,
		HangUpTimeout: cfg.CallAutomation.Timeout,
	})

	supervisor := supervise.NewSupervisor(reg, o, supervise.SupervisorConfig{
		Interval:    cfg.Supervisor.Interval,
		MaxParallel: cfg.Supervisor.MaxParallel,
	}, m)
	reclaimer := supervise.NewReclaimer(reg, o, supervise.ReclaimerConfig{
		Interval:      cfg.Reclaimer.Interval,
		IdleTimeout:   cfg.Reclaimer.IdleTimeout,
		OrphanTimeout: cfg.Reclaimer.OrphanCallTimeout,
	}, m)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Interpreter server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { return reclaimer.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	o.StopAll()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

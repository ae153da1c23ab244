package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/voice-dispatch/internal/api"
	"github.com/acme/voice-dispatch/internal/api/handlers"
	"github.com/acme/voice-dispatch/internal/api/media"
	"github.com/acme/voice-dispatch/internal/app"
	"github.com/acme/voice-dispatch/internal/telemetry"
	eventsworker "github.com/acme/voice-dispatch/internal/worker/events"
	offerworker "github.com/acme/voice-dispatch/internal/worker/offer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	lg := container.Logger
	defer lg.Sync()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer closeCancel()
		if err := container.Close(closeCtx); err != nil {
			lg.Warn("shutdown", zap.Error(err))
		}
	}()

	cfg := container.Config
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App)
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	rt := container.Runtime()
	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Calls:        rt.Calls,
		Sessions:     rt.Voice,
		Voices:       container.Providers().Synthesis,
		Events:       rt.Events,
		MediaURL:     cfg.Media.PublicURL,
		DefaultVoice: container.DefaultVoice(),
		Health:       container.Health,
		Logger:       lg,
	})
	server := api.NewServer(cfg.HTTP, handlerSet)
	mediaServer := media.NewServer(rt.Voice, media.Options{
		Port:         cfg.Media.Port,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("http server listening", zap.Int("port", cfg.HTTP.Port))
		return server.Start(gctx)
	})
	g.Go(func() error {
		lg.Info("media server listening", zap.Int("port", cfg.Media.Port))
		return mediaServer.Start(gctx)
	})

	if container.Kafka != nil {
		offers := offerworker.New(container.Kafka.NewReader(cfg.Kafka.OfferTopic, cfg.Kafka.ConsumerGroupID+"-offers"), rt.Dispatcher, lg)
		events := eventsworker.New(container.Kafka.NewReader(cfg.Kafka.CallEventTopic, cfg.Kafka.ConsumerGroupID+"-events"), rt.Dispatcher, lg)
		g.Go(func() error { return offers.Run(gctx) })
		g.Go(func() error { return events.Run(gctx) })
	}

	if cfg.Scheduler.Embedded {
		sched, err := container.Scheduler(true)
		if err != nil {
			lg.Fatal("failed to build scheduler", zap.Error(err))
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	lg.Info("voice dispatch started",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("kafka", container.Kafka != nil),
		zap.Bool("scheduler", cfg.Scheduler.Embedded))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("server terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

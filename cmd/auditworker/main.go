package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/voice-dispatch/internal/app"
	"github.com/acme/voice-dispatch/internal/telemetry"
	statusworker "github.com/acme/voice-dispatch/internal/worker/status"
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
	defer container.Close(context.Background())
	lg := container.Logger.Named("audit")
	defer lg.Sync()

	if container.Kafka == nil {
		lg.Fatal("audit worker needs kafka.enabled")
	}
	if container.Scylla == nil {
		lg.Warn("scylla disabled, transitions go to the fallback store")
	}

	appCfg := container.Config.App
	appCfg.Name += "-audit-worker"
	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, appCfg)
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	kcfg := container.Config.Kafka
	reader := container.Kafka.NewReader(kcfg.StatusTopic, kcfg.ConsumerGroupID+"-audit")
	worker := statusworker.New(reader, container.Stores().History, lg)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("worker terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

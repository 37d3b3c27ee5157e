// Package main is the entry point for Open Dispatch.
// One binary runs the whole control plane: the orchestrator, the webhook
// ingestion server and the observer gateway share a process and a job
// registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	// Common packages
	"github.com/opendispatch/opendispatch/internal/common/config"
	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/common/tracing"

	// Event bus
	"github.com/opendispatch/opendispatch/internal/events"
	eventbus "github.com/opendispatch/opendispatch/internal/events/bus"

	// Dispatch packages
	"github.com/opendispatch/opendispatch/internal/agent"
	"github.com/opendispatch/opendispatch/internal/gateway"
	"github.com/opendispatch/opendispatch/internal/job"
	"github.com/opendispatch/opendispatch/internal/machines"
	"github.com/opendispatch/opendispatch/internal/machines/sprites"
	"github.com/opendispatch/opendispatch/internal/orchestrator"
	"github.com/opendispatch/opendispatch/internal/relay"
	"github.com/opendispatch/opendispatch/internal/webhook"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting open dispatch...")

	// 3. Tracing shuts down last so in-flight spans still flush.
	// The tracer itself initializes lazily on the first span.
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			log.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	// 4. Initialize event bus (in-memory by default, NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}

	// 5. Initialize the machine driver. Without a Sprites token the
	// control plane still serves its APIs; sends fail fast instead.
	var machineAPI machines.API
	var spritesDriver *sprites.Driver
	if cfg.Sprites.Token == "" {
		log.Warn("sprites token not configured - machine spawning is disabled")
		machineAPI = machines.NewDisabled()
	} else {
		spritesDriver = sprites.New(cfg.Sprites.Token, log)
		machineAPI = spritesDriver
		log.Info("sprites driver initialized")
	}

	tokens := machines.NewTokenGenerator(cfg.Jobs.TokenSecret)
	machinesClient := machines.NewClient(machineAPI, machines.Config{
		PublicURL:     cfg.Dispatch.PublicURL,
		DefaultImage:  cfg.Sprites.Image,
		CredentialEnv: cfg.Agent.CredentialEnv,
	}, tokens, log)

	// 6. Agent catalog and job registry
	agents := agent.NewRegistry()
	agents.LoadDefaults()

	registry := job.NewRegistry(log)

	// 7. Channel relay: batched output lines go out as bus events; a chat
	// connector subscribes to dispatch.channel.message.> and delivers them.
	channelRelay := relay.New(func(ctx context.Context, channelID, text string) error {
		event := eventbus.NewEvent(events.ChannelMessage, "relay", map[string]interface{}{
			"channelId": channelID,
			"text":      text,
		})
		return eventBus.Publish(ctx, events.BuildChannelMessageSubject(channelID), event)
	}, log)

	// 8. Orchestrator
	manager := orchestrator.NewManager(machinesClient, agents, registry, tokens, eventBus, cfg, log)
	manager.SetRelay(channelRelay)
	manager.StartReaper()

	// 9. Webhook ingestion server (the surface Sprites report back to)
	webhookServer := webhook.NewServer(cfg, registry, eventBus, log)
	if err := webhookServer.Start(); err != nil {
		log.Fatal("failed to start webhook server", zap.Error(err))
	}

	// 10. Observer gateway (REST + WebSocket)
	gatewayServer := gateway.NewServer(cfg, manager, eventBus, log)
	if err := gatewayServer.Start(); err != nil {
		log.Fatal("failed to start gateway server", zap.Error(err))
	}

	log.Info("open dispatch ready",
		zap.Int("webhook_port", cfg.Webhook.Port),
		zap.Int("gateway_port", cfg.Server.Port),
		zap.String("public_url", cfg.Dispatch.PublicURL))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down open dispatch...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway shutdown error", zap.Error(err))
	}
	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		log.Error("webhook server shutdown error", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("orchestrator shutdown error", zap.Error(err))
	}
	channelRelay.Close()

	if spritesDriver != nil {
		if err := spritesDriver.Close(); err != nil {
			log.Error("sprites driver close error", zap.Error(err))
		}
	}
	if err := busCleanup(); err != nil {
		log.Error("event bus cleanup error", zap.Error(err))
	}

	log.Info("open dispatch stopped")
}

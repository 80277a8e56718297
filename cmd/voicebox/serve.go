package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadzzz/voicebox/internal/audio"
	"github.com/nadzzz/voicebox/internal/config"
	"github.com/nadzzz/voicebox/internal/health"
	"github.com/nadzzz/voicebox/internal/synth"
	"github.com/nadzzz/voicebox/internal/telemetry"
	"github.com/nadzzz/voicebox/internal/transport"
	grpctransport "github.com/nadzzz/voicebox/internal/transport/grpc"
	httptransport "github.com/nadzzz/voicebox/internal/transport/http"
	natstransport "github.com/nadzzz/voicebox/internal/transport/nats"
)

func serveCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the models and serve synthesis requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfgFile)
		},
	}
}

func runServe(ctx context.Context, cfgFile string) error {
	// Load configuration.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	// Setup structured logging.
	_, logCloser := config.SetupLogging(cfg.Logging)
	defer logCloser.Close()
	slog.Info("voicebox starting", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	registry := newRegistry(cfg)
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Warn("model close error", "error", err)
		}
	}()

	service, err := synth.New(registry,
		audio.NewEncoder(cfg.Audio.SampleRate, cfg.Audio.BitDepth),
		synth.WithMeterProvider(tel.MeterProvider),
		synth.WithTracerProvider(tel.TracerProvider),
	)
	if err != nil {
		return fmt.Errorf("creating synthesis service: %w", err)
	}

	// Initialize enabled transports.
	var transports []transport.Transport

	if cfg.Transports.HTTP.Enabled {
		transports = append(transports, httptransport.New(cfg.Transports.HTTP.Port))
	}
	if cfg.Transports.GRPC.Enabled {
		transports = append(transports, grpctransport.New(cfg.Transports.GRPC.Port, registry))
	}
	if cfg.Transports.NATS.Enabled {
		transports = append(transports, natstransport.New(cfg.Transports.NATS))
	}

	if len(transports) == 0 {
		err := errors.New("no transports enabled, enable at least one in config")
		slog.Error(err.Error())
		return err
	}

	// Start health check server.
	healthServer := health.New(cfg.Server.HealthPort, registry, tel.Handler)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	// Load models in the background. A failure is logged by the registry
	// and leaves the service answering 503.
	go func() {
		_ = registry.Initialize(ctx)
	}()

	// Start all transports.
	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx, service.Synthesize); err != nil {
				slog.Error("transport failed", "name", t.Name(), "error", err)
			}
		}(t)
	}

	slog.Info("voicebox started",
		"transports", len(transports),
		"health_port", cfg.Server.HealthPort,
		"models_dir", cfg.Storage.ModelsDir)

	// Block until shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")

	// Close all transports gracefully.
	for _, t := range transports {
		if err := t.Close(); err != nil {
			slog.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	wg.Wait()
	slog.Info("voicebox stopped")
	return nil
}

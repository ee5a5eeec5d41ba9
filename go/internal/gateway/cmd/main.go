package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/auth"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/config"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/eventstream"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/gateway"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/metrics"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/round"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	log.Info().
		Str("database", cfg.Database.Redacted()).
		Str("addr", cfg.Server.Addr).
		Bool("event_stream", cfg.NATS.Enabled()).
		Msg("starting round gateway")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheus(reg)

	clock := clockwork.NewRealClock()
	tokens := auth.NewService(cfg.Auth.Secret, cfg.Auth.Issuer, clock)

	// Connections
	connConfig := gateway.DefaultConnectionConfig()
	connConfig.SendBuffer = cfg.Gateway.SendBuffer
	connConfig.BroadcastBuffer = cfg.Gateway.BroadcastBuffer
	connConfig.CheckOrigin = gateway.OriginChecker(cfg.Server.AllowedOrigins)
	connections := gateway.NewConnectionManager(connConfig, collector)

	// Optional JetStream mirror in front of the connections
	var broadcaster round.Broadcaster = connections
	var publisher *eventstream.JetStreamPublisher
	var mirror *eventstream.Mirror
	if cfg.NATS.Enabled() {
		jsConfig := eventstream.DefaultJetStreamConfig()
		jsConfig.URL = cfg.NATS.URL
		jsConfig.StreamName = cfg.NATS.Stream
		jsConfig.SubjectPrefix = cfg.NATS.SubjectPrefix

		publisher, err = eventstream.NewJetStreamPublisher(ctx, jsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream publisher")
		}
		mirror = eventstream.NewMirror(connections, publisher, cfg.NATS.QueueSize, collector)
		broadcaster = mirror
	}

	// Rounds
	writer := round.NewWriter(store, cfg.Round.WriteWorkers, cfg.Round.WriteQueueSize, collector)
	registry := round.NewRegistry(round.Deps{
		Clock:       clock,
		Store:       store,
		Writer:      writer,
		Broadcaster: broadcaster,
		Metrics:     collector,
	})

	limiter := gateway.NewIPRateLimiter(rate.Limit(cfg.Gateway.JoinRate), cfg.Gateway.JoinBurst, clock)
	gateway.NewDispatcher(connections, registry, tokens, limiter, clock)

	// Health reports NATS only when the stream is configured
	var stream gateway.StreamStatus
	if publisher != nil {
		stream = publisher
	}

	handler := gateway.NewRouter(gateway.RouterConfig{
		State:          gateway.NewStateHandler(registry, store, tokens, clock),
		WebSocket:      gateway.NewWebSocketHandler(connections),
		Health:         gateway.NewHealthChecker(store, stream, registry.Len, connections),
		Metrics:        metrics.Handler(reg),
		Limiter:        limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background workers
	writerDone := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(writerDone)
	}()

	mirrorDone := make(chan struct{})
	if mirror != nil {
		go func() {
			mirror.Run(ctx)
			close(mirrorDone)
		}()
	} else {
		close(mirrorDone)
	}

	go connections.Start(ctx)

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop timers first so no new writes or events are produced, then let the
	// writer and the mirror drain what is queued.
	registry.Shutdown()
	cancel()

	for name, done := range map[string]chan struct{}{"writer": writerDone, "mirror": mirrorDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn().Str("worker", name).Msg("timed out waiting for worker to drain")
		}
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close JetStream publisher")
		}
	}

	log.Info().Msg("round gateway shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Server runs the realtime telemetry distribution service: it subscribes
// to the Redis telemetry bus and streams readings to authenticated
// websocket and long-poll clients.
// Set JWT_PUBLIC_KEY (PEM or path) and REDIS_URL; see internal/config for the rest.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"wellpulse/backend/internal/bus"
	"wellpulse/backend/internal/config"
	"wellpulse/backend/internal/gateway"
	otelx "wellpulse/backend/internal/otel"
	"wellpulse/backend/internal/security"
	"wellpulse/backend/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	providers, err := otelx.NewProviders(ctx, cfg.OTLPEndpoint, "wellpulse-realtime", cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	inst, err := otelx.NewInstruments(providers.MeterProvider)
	if err != nil {
		return err
	}

	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	verifier := security.NewVerifier(publicKey, cfg.JWTIssuer, cfg.JWTAudience)

	gw := gateway.New(verifier, logger, inst)
	if err := otelx.RegisterConnectionGauges(providers.MeterProvider, gw.ConnCounts); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()

	sub := bus.NewSubscriber(client, logger, bus.LinearBackoff(cfg.RetryBase(), cfg.RetryCap()), inst)
	sub.SetHandler(gw.Broadcast)
	if err := sub.Start(ctx); err != nil {
		return err
	}

	poll := gateway.NewPollTransport(gw, logger, cfg.PollWaitDuration(), cfg.PollIdleTTLDuration())
	srv := server.New(cfg.HTTPAddr, server.Deps{Gateway: gw, Poll: poll, Log: logger})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("realtime server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	poll.Stop()
	if err := sub.Stop(); err != nil {
		logger.Warn("bus stop", "err", err)
	}
	gw.Shutdown()
	logger.Info("realtime server stopped")
	return nil
}

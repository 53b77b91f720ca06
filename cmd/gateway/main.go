package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/example/edge-gateway/internal/broker"
	"github.com/example/edge-gateway/internal/config"
	"github.com/example/edge-gateway/internal/gateway"
	"github.com/example/edge-gateway/internal/logger"
	"github.com/example/edge-gateway/internal/server"
	"github.com/example/edge-gateway/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "edge-gateway").Logger()

	pool, err := broker.NewPool(cfg.Broker, cfg.Reconnect, cfg.Services, logger.Component(log, "broker"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create broker pool")
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close broker pool")
		}
	}()

	gw, err := gateway.New(pool, logger.Component(log, "gateway"),
		gateway.WithDefaultTimeout(cfg.Gateway.DefaultTimeout),
		gateway.WithPingCommand(cfg.Gateway.PingCommand),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	if err := pool.Start(ctx, func(service string) broker.ReplyHandler {
		return gw.ReplyHandler(service)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to start broker channels")
	}

	transfersRouter, err := webhook.NewRouter("transfers", []webhook.Rule{
		{
			Name:   "buy",
			Events: cfg.Webhooks.BuyEvents,
			Target: webhook.Target{Service: "validation", Cmd: "busha.buy.webhook"},
		},
		{
			Name:   "sell",
			Events: cfg.Webhooks.SellEvents,
			Target: webhook.Target{Service: "validation", Cmd: "busha.sell.webhook"},
		},
	}, gw, logger.Component(log, "webhook-router"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build webhook router")
	}

	handler := server.NewHandler(
		gw,
		transfersRouter,
		server.VerifierConfig{
			Provider:        "transfers",
			Scheme:          webhook.Base64SHA256{},
			Secret:          cfg.Webhooks.Transfers.Secret,
			SignatureHeader: cfg.Webhooks.Transfers.SignatureHeader,
		},
		server.VerifierConfig{
			Provider:        "kyc",
			Scheme:          webhook.HexSHA512{},
			Secret:          cfg.Webhooks.KYC.Secret,
			SignatureHeader: cfg.Webhooks.KYC.SignatureHeader,
		},
		pool.Services(),
		logger.Component(log, "http"),
	)

	srv := server.New(cfg.App.Port, handler, logger.Component(log, "server"))

	log.Info().
		Strs("services", pool.Services()).
		Int("port", cfg.App.Port).
		Msg("edge gateway started")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("http server terminated with error")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("edge gateway init failed")
}

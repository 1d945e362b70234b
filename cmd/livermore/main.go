// cmd/livermore runs one market-data analytics instance for one
// (user, exchange) slot: feed ingestion, candle aggregation, MACD-V
// computation, alerting and the admin command plane.
//
// Configuration comes from the environment (see config.Load), with an
// optional .env file for local runs.
//
// Exit codes:
//
//	0 — clean shutdown
//	1 — fatal startup or runtime error
//	2 — exchange lease held by another live instance
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"livermore/config"
	"livermore/internal/logger"
	"livermore/internal/registry"
	"livermore/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New("livermore", "info", true)
		log.Error().Err(err).Msg("configuration invalid")
		return 1
	}
	log := logger.New("livermore", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, &service.Config{
		UserID:            cfg.UserID,
		ExchangeID:        cfg.ExchangeID,
		ExchangeName:      cfg.ExchangeName,
		WSURL:             cfg.WSURL,
		RESTURL:           cfg.RESTURL,
		APIKey:            cfg.APIKey,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		RedisDB:           cfg.RedisDB,
		SQLitePath:        cfg.SQLitePath,
		MetricsAddr:       cfg.MetricsAddr,
		Symbols:           cfg.Symbols,
		Tier1Symbols:      cfg.Tier1Symbols,
		BaseTimeframe:     cfg.BaseTimeframe,
		Mode:              cfg.Mode,
		FeedStaleAfter:    cfg.FeedStaleAfter,
		WebhookURL:        cfg.WebhookURL,
		WebhookUsername:   cfg.WebhookUsername,
		WebhookRatePerSec: cfg.WebhookRatePerSec,
		TelegramBotToken:  cfg.TelegramBotToken,
		TelegramChatID:    cfg.TelegramChatID,
		ChartURL:          cfg.ChartURL,
		GeoLookupURL:      cfg.GeoLookupURL,
		AdminEmail:        cfg.AdminEmail,
		AdminDisplayName:  cfg.AdminDisplayName,
		Logger:            &log,
	})
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return 1
	}

	if err := svc.Run(ctx); err != nil {
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) {
			log.Error().
				Str("exchange", conflict.ExchangeID).
				Str("holder", conflict.Hostname).
				Str("ip", conflict.IPAddress).
				Msg("exchange lease already claimed")
			return 2
		}
		log.Error().Err(err).Msg("livermore exited")
		return 1
	}
	return 0
}

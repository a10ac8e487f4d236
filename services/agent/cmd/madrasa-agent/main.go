package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"madrasa/pkg/config"
	"madrasa/pkg/telemetry"
	"madrasa/services/agent"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx, os.Getenv("MADRASA_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdown, err := telemetry.Init(ctx, agent.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	svc, err := agent.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("build agent")
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent exited")
	}
}

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"imagehub/internal/caption"
	"imagehub/internal/events"
	"imagehub/internal/models"
	"imagehub/internal/processor"
	"imagehub/internal/server"
	"imagehub/internal/storage"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Optional .env overlay for local runs.
	godotenv.Load()

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage")
	}
	defer db.Close()

	publisher := events.NewPublisher(cfg.KafkaBroker, cfg.KafkaTopic)

	proc, err := processor.New(db, publisher, cfg.ThumbnailDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init processor")
	}

	captioner := caption.NewClient(cfg.CaptionURL)

	srv := server.NewServer(cfg, db, proc, captioner, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	logger.Info().Str("addr", cfg.ServerAddr).Msg("server started")

	// Graceful shutdown: drain in-flight ingestions so every started
	// pipeline run reaches its terminal commit.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down, draining in-flight ingestions")
	proc.Wait()
	publisher.Close()
}

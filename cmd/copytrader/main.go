package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/api"
	"mt5-copytrader/internal/config"
	"mt5-copytrader/internal/copier"
	"mt5-copytrader/internal/deploy"
	"mt5-copytrader/internal/mt5"
	"mt5-copytrader/internal/storage"
)

func main() {
	// Local development convenience; the file is absent in containers.
	_ = godotenv.Load()

	cfg, err := config.NewManager(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Get().Logging)
	log.Info().
		Str("master", cfg.Get().Master.Name).
		Int("slaves", len(cfg.Get().Slaves)).
		Msg("copytrader starting")

	db, err := storage.NewDB(cfg.Get().Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	settings := cfg.GetSettings()
	connTimeout := time.Duration(settings.ConnectionTimeoutMs) * time.Millisecond

	clients := func(host string, port int) mt5.Client {
		return mt5.NewBridgeClient(host, port, connTimeout)
	}

	engine := copier.NewEngine(cfg.Get().Master, cfg.Get().Slaves, db, clients, copier.Options{
		PollingInterval:   settings.PollingInterval(),
		HeartbeatInterval: settings.HeartbeatInterval(),
		RetryAttempts:     settings.RetryAttempts,
	})

	server := api.NewServer(engine, deploy.NewManager(), cfg.Get().API.Host, cfg.Get().API.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("control-plane server failed")
		}
	}()

	go func() {
		if err := engine.Start(ctx, cfg.GetSettings().InitialDelay()); err != nil {
			log.Error().Err(err).Msg("engine start failed")
			return
		}
		engine.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")
	cancel()
	engine.Stop()
	if err := server.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("copytrader stopped")
}

func setupLogger(cfg config.LoggingConfig) {
	if strings.EqualFold(cfg.Format, "console") {
		log.Logger = zerolog.New(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
